package auth

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AccessPolicy is a stored, container-level SAS template.
type AccessPolicy struct {
	ID         string
	Start      *time.Time
	Expiry     *time.Time
	Permission string
}

// PolicySource resolves stored access policies by container and identifier.
// A missing policy is reported as (nil, nil).
type PolicySource interface {
	AccessPolicy(ctx context.Context, container, id string) (*AccessPolicy, error)
}

// CachedPolicySource memoizes a PolicySource for a short TTL.
type CachedPolicySource struct {
	source PolicySource
	cache  *expirable.LRU[string, *AccessPolicy]
}

// NewCachedPolicySource wraps source with an LRU of size entries.
func NewCachedPolicySource(source PolicySource, size int, ttl time.Duration) *CachedPolicySource {
	return &CachedPolicySource{
		source: source,
		cache:  expirable.NewLRU[string, *AccessPolicy](size, nil, ttl),
	}
}

// AccessPolicy implements PolicySource. Misses are cached too.
func (c *CachedPolicySource) AccessPolicy(ctx context.Context, container, id string) (*AccessPolicy, error) {
	key := container + "\x00" + id
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}
	p, err := c.source.AccessPolicy(ctx, container, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, p)
	return p, nil
}
