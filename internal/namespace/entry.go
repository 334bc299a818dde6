// Package namespace maps (container, blob) keys to the backing account that
// holds them, using conditionally written durable records and an optional
// read cache.
package namespace

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Key identifies one namespace entry. Snapshot is empty for the base blob.
type Key struct {
	Container string
	Blob      string
	Snapshot  string
}

// String returns the cache key form "container|blob|snapshot".
func (k Key) String() string {
	return k.Container + "|" + k.Blob + "|" + k.Snapshot
}

// Validate reports whether the key names a container and a blob.
func (k Key) Validate() error {
	if k.Container == "" || strings.TrimSpace(k.Blob) == "" {
		return fmt.Errorf("%w: container=%q blob=%q", ErrInvalidKey, k.Container, k.Blob)
	}
	return nil
}

// Entry is the namespace record for one blob.
type Entry struct {
	Key
	Account           string
	MarkedForDeletion bool
	Replicas          []string

	token     string
	persisted bool
	fromCache bool
}

// NewEntry returns an unsaved placeholder for key.
func NewEntry(key Key) *Entry {
	return &Entry{Key: key}
}

// Persisted reports whether a durable record backs this entry.
func (e *Entry) Persisted() bool {
	return e.persisted
}

// Exists reports whether the entry is live: persisted and not soft-deleted.
func (e *Entry) Exists() bool {
	return e.persisted && !e.MarkedForDeletion
}

// Token returns the opaque precondition token of the durable record. It is
// empty for placeholders and for entries read from cache.
func (e *Entry) Token() string {
	return e.token
}

// FromCache reports whether the entry was decoded from the cache.
func (e *Entry) FromCache() bool {
	return e.fromCache
}

// HasReplica reports whether account is in the replica set.
func (e *Entry) HasReplica(account string) bool {
	return slices.Contains(e.Replicas, account)
}

// AddReplica appends account to the replica set and reports whether it changed.
func (e *Entry) AddReplica(account string) bool {
	if account == "" || e.HasReplica(account) {
		return false
	}
	e.Replicas = append(e.Replicas, account)
	return true
}

// RemoveReplica drops account from the replica set and reports whether it changed.
func (e *Entry) RemoveReplica(account string) bool {
	i := slices.Index(e.Replicas, account)
	if i < 0 {
		return false
	}
	e.Replicas = slices.Delete(e.Replicas, i, i+1)
	return true
}

// Locations returns the primary account followed by every replica.
func (e *Entry) Locations() []string {
	out := make([]string, 0, len(e.Replicas)+1)
	if e.Account != "" {
		out = append(out, e.Account)
	}
	for _, r := range e.Replicas {
		if r != e.Account {
			out = append(out, r)
		}
	}
	return out
}

// setStored marks e as backed by a durable record with the given token.
func (e *Entry) setStored(token string) {
	e.token = token
	e.persisted = true
	e.fromCache = false
}

// copyFrom replaces e's state with src's, keeping e's identity.
func (e *Entry) copyFrom(src *Entry) {
	e.Key = src.Key
	e.Account = src.Account
	e.MarkedForDeletion = src.MarkedForDeletion
	e.Replicas = slices.Clone(src.Replicas)
	e.token = src.token
	e.persisted = src.persisted
	e.fromCache = src.fromCache
}

// cacheRecord is the JSON shadow of an Entry kept in the cache.
type cacheRecord struct {
	Account           string   `json:"account"`
	Container         string   `json:"container"`
	Blob              string   `json:"blob"`
	Snapshot          string   `json:"snapshot,omitempty"`
	MarkedForDeletion bool     `json:"deleted,omitempty"`
	Replicas          []string `json:"replicas,omitempty"`
}

func encodeCacheEntry(e *Entry) ([]byte, error) {
	return json.Marshal(cacheRecord{
		Account:           e.Account,
		Container:         e.Container,
		Blob:              e.Blob,
		Snapshot:          e.Snapshot,
		MarkedForDeletion: e.MarkedForDeletion,
		Replicas:          e.Replicas,
	})
}

func decodeCacheEntry(data []byte) (*Entry, error) {
	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &Entry{
		Key:               Key{Container: rec.Container, Blob: rec.Blob, Snapshot: rec.Snapshot},
		Account:           rec.Account,
		MarkedForDeletion: rec.MarkedForDeletion,
		Replicas:          rec.Replicas,
		persisted:         true,
		fromCache:         true,
	}, nil
}
