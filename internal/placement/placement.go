// Package placement maps blob names onto backing accounts.
//
// The mapping must never change for a given name and account list: a blob written
// under one mapping and read under another is silently lost. Select is therefore
// pinned to SHA-256 and a fixed fold of the digest.
package placement

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidBlobName    = errors.New("blob name must not be empty")
	ErrInvalidBucketCount = errors.New("bucket count must be at least 1")
)

// Digest offsets folded into the 64-bit placement value.
var foldOffsets = [...]int{0, 8, 24}

// Select returns the bucket index in [0, buckets) for blobName.
func Select(blobName string, buckets int) (int, error) {
	if strings.TrimSpace(blobName) == "" {
		return 0, ErrInvalidBlobName
	}
	if buckets < 1 {
		return 0, ErrInvalidBucketCount
	}

	sum := sha256.Sum256([]byte(blobName))
	var folded int64
	for _, off := range foldOffsets {
		folded ^= int64(binary.LittleEndian.Uint64(sum[off : off+8]))
	}

	return int(abs(folded) % uint64(buckets)), nil
}

// abs returns |v| as an unsigned value; MinInt64 maps to 1<<63 instead of overflowing.
func abs(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

// Selector binds Select to an ordered list of account names.
type Selector struct {
	accounts []string
}

// NewSelector creates a selector over accounts. Order matters and must be stable
// across restarts.
func NewSelector(accounts []string) (*Selector, error) {
	if len(accounts) == 0 {
		return nil, ErrInvalidBucketCount
	}
	cp := make([]string, len(accounts))
	copy(cp, accounts)
	return &Selector{accounts: cp}, nil
}

// Account returns the account that should hold a new blob named blobName.
func (s *Selector) Account(blobName string) (string, error) {
	idx, err := Select(blobName, len(s.accounts))
	if err != nil {
		return "", fmt.Errorf("select account for %q: %w", blobName, err)
	}
	return s.accounts[idx], nil
}

// Len returns the number of accounts the selector places into.
func (s *Selector) Len() int {
	return len(s.accounts)
}
