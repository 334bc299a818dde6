package namespace

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/placement"
)

// Resolver decides which backing account serves each blob.
type Resolver struct {
	store    Store
	selector *placement.Selector
	accounts []string
	logger   zerolog.Logger
}

// NewResolver binds store to the ordered data accounts. New blobs are placed
// by hashing their name across accounts.
func NewResolver(store Store, accounts []string, logger zerolog.Logger) (*Resolver, error) {
	sel, err := placement.NewSelector(accounts)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store:    store,
		selector: sel,
		accounts: slices.Clone(accounts),
		logger:   logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// Store returns the underlying namespace store.
func (r *Resolver) Store() Store {
	return r.store
}

// ResolveRead returns the live entry for key, or ErrNotFound.
func (r *Resolver) ResolveRead(ctx context.Context, key Key) (*Entry, error) {
	e, err := r.store.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if !e.Exists() {
		return nil, ErrNotFound
	}
	if err := r.checkAccount(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveWrite returns the entry a write to key should target, creating it on
// a bucket-selected account when none exists. Writing over a soft-deleted
// entry revives it with an empty replica set.
func (r *Resolver) ResolveWrite(ctx context.Context, key Key) (*Entry, error) {
	e, err := r.store.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.Exists() {
		if err := r.checkAccount(e); err != nil {
			return nil, err
		}
		return e, nil
	}

	account, err := r.selector.Account(key.Blob)
	if err != nil {
		return nil, fmt.Errorf("place %s: %w", key, err)
	}

	e, err = PerformOperation(ctx, r.store, key, func(e *Entry) (bool, error) {
		if e.Exists() {
			return false, nil
		}
		if e.Persisted() {
			r.logger.Debug().Str("key", key.String()).Msg("reviving soft-deleted entry")
			e.MarkedForDeletion = false
			e.Replicas = nil
		}
		e.Account = account
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.checkAccount(e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkForDeletion soft-deletes the entry for key and returns it, so callers
// can clean up its account and replicas. A missing entry returns ErrNotFound.
func (r *Resolver) MarkForDeletion(ctx context.Context, key Key) (*Entry, error) {
	return PerformOperation(ctx, r.store, key, func(e *Entry) (bool, error) {
		if !e.Exists() {
			return false, ErrNotFound
		}
		e.MarkedForDeletion = true
		return true, nil
	})
}

// Replicas returns the primary account followed by every replica of key, for
// read fallback.
func (r *Resolver) Replicas(ctx context.Context, key Key) ([]string, error) {
	e, err := r.ResolveRead(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Locations(), nil
}

// Place returns the account a new blob with this name would be placed on.
func (r *Resolver) Place(blobName string) (string, error) {
	return r.selector.Account(blobName)
}

func (r *Resolver) checkAccount(e *Entry) error {
	if slices.Contains(r.accounts, e.Account) {
		return nil
	}
	r.logger.Error().
		Str("key", e.Key.String()).
		Str("account", e.Account).
		Msg("namespace entry references unconfigured account")
	return fmt.Errorf("%w: %q", ErrInvalidEntry, e.Account)
}

// IsNotFound reports whether err means no live entry exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
