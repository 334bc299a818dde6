package storage

import (
	"context"
	"fmt"

	"github.com/tunnelmesh/blobmesh/internal/auth"
)

// AccessPolicies reads stored access policies from a container ACL in one
// account. Container-level settings are read from the first data account.
type AccessPolicies struct {
	backends *Backends
	account  string
}

// NewAccessPolicies returns a policy source backed by account.
func NewAccessPolicies(backends *Backends, account string) *AccessPolicies {
	return &AccessPolicies{backends: backends, account: account}
}

// AccessPolicy implements auth.PolicySource.
func (p *AccessPolicies) AccessPolicy(ctx context.Context, containerName, id string) (*auth.AccessPolicy, error) {
	c, err := p.backends.Container(p.account, containerName)
	if err != nil {
		return nil, err
	}
	resp, err := c.GetAccessPolicy(ctx, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get acl %s/%s: %w", p.account, containerName, err)
	}

	for _, si := range resp.SignedIdentifiers {
		if si == nil || si.ID == nil || *si.ID != id {
			continue
		}
		policy := &auth.AccessPolicy{ID: id}
		if ap := si.AccessPolicy; ap != nil {
			policy.Start = ap.Start
			policy.Expiry = ap.Expiry
			if ap.Permission != nil {
				policy.Permission = *ap.Permission
			}
		}
		return policy, nil
	}
	return nil, nil
}
