package replication

import (
	"fmt"
	"regexp"
)

// Policy decides which blobs are replicated.
type Policy struct {
	enabled bool
	pattern *regexp.Regexp
}

// NewPolicy compiles pattern, matched against "container/blob". An empty
// pattern matches every blob.
func NewPolicy(enabled bool, pattern string) (*Policy, error) {
	p := &Policy{enabled: enabled}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("replication path pattern: %w", err)
		}
		p.pattern = re
	}
	return p, nil
}

// Enabled reports whether replication is on at all.
func (p *Policy) Enabled() bool {
	return p != nil && p.enabled
}

// Matches reports whether the blob should be replicated.
func (p *Policy) Matches(container, blob string) bool {
	if !p.Enabled() {
		return false
	}
	if p.pattern == nil {
		return true
	}
	return p.pattern.MatchString(container + "/" + blob)
}
