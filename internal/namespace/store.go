package namespace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/blobmesh/internal/metrics"
)

// maxOperationAttempts bounds the Load → op → Save loop in PerformOperation.
const maxOperationAttempts = 3

// Durable is the strongly consistent record store behind the namespace.
//
// Get returns ErrNotFound when no record exists. Put creates the record when
// e.Token() is empty and otherwise updates it only if the stored token still
// matches; both fail with ErrPreconditionFailed. Put returns the new token.
type Durable interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, e *Entry) (string, error)
}

// Cache is a best-effort key/value cache for entry shadows.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store is the namespace read/write surface.
type Store interface {
	// Fetch returns the entry for key, possibly from cache. A missing record
	// yields an unsaved placeholder.
	Fetch(ctx context.Context, key Key) (*Entry, error)
	// Load returns the entry for key from durable storage only.
	Load(ctx context.Context, key Key) (*Entry, error)
	// Exists reports whether e is live, re-reading durable state into e first
	// when forceRefresh is set.
	Exists(ctx context.Context, e *Entry, forceRefresh bool) (bool, error)
	// Save conditionally writes e.
	Save(ctx context.Context, e *Entry) error
}

// Options configures a Store.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.GatewayMetrics
}

// NewStore picks the store strategy once: a cached store when cache is
// non-nil, otherwise a plain durable store.
func NewStore(durable Durable, cache Cache, ttl time.Duration, opts Options) Store {
	base := &durableStore{
		durable: durable,
		logger:  opts.Logger.With().Str("component", "namespace").Logger(),
		metrics: opts.Metrics,
	}
	if cache == nil {
		return base
	}
	return &cachedStore{durableStore: base, cache: cache, ttl: ttl}
}

// observer is implemented by stores that report operation results.
type observer interface {
	observe(result string)
}

type durableStore struct {
	durable Durable
	logger  zerolog.Logger
	metrics *metrics.GatewayMetrics
}

func (s *durableStore) observe(result string) {
	s.metrics.NamespaceOperation(result)
}

func (s *durableStore) Fetch(ctx context.Context, key Key) (*Entry, error) {
	return s.Load(ctx, key)
}

func (s *durableStore) Load(ctx context.Context, key Key) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e, err := s.durable.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return NewEntry(key), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return e, nil
}

func (s *durableStore) Exists(ctx context.Context, e *Entry, forceRefresh bool) (bool, error) {
	if forceRefresh {
		fresh, err := s.Load(ctx, e.Key)
		if err != nil {
			return false, err
		}
		e.copyFrom(fresh)
	}
	return e.Exists(), nil
}

func (s *durableStore) Save(ctx context.Context, e *Entry) error {
	if e.fromCache {
		return ErrCachedEntry
	}
	if err := e.Key.Validate(); err != nil {
		return err
	}
	token, err := s.durable.Put(ctx, e)
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return err
		}
		return fmt.Errorf("save %s: %w", e.Key, err)
	}
	e.setStored(token)
	return nil
}

// cachedStore serves Fetch from the cache and keeps the cache in step with
// successful saves. Cache failures are logged and fall back to durable state.
type cachedStore struct {
	*durableStore
	cache Cache
	ttl   time.Duration
}

func (s *cachedStore) Fetch(ctx context.Context, key Key) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	data, ok, err := s.cache.Get(ctx, key.String())
	switch {
	case err != nil:
		s.metrics.CacheLookup("error")
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("namespace cache read failed")
	case ok:
		e, derr := decodeCacheEntry(data)
		if derr == nil {
			s.metrics.CacheLookup("hit")
			return e, nil
		}
		s.metrics.CacheLookup("error")
		s.logger.Warn().Err(derr).Str("key", key.String()).Msg("discarding corrupt cache entry")
		s.invalidate(ctx, key)
	default:
		s.metrics.CacheLookup("miss")
	}

	e, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.Persisted() {
		s.store(ctx, e)
	}
	return e, nil
}

func (s *cachedStore) Exists(ctx context.Context, e *Entry, forceRefresh bool) (bool, error) {
	exists, err := s.durableStore.Exists(ctx, e, forceRefresh)
	if err != nil {
		return false, err
	}
	if forceRefresh && e.Persisted() {
		s.store(ctx, e)
	}
	return exists, nil
}

func (s *cachedStore) Save(ctx context.Context, e *Entry) error {
	err := s.durableStore.Save(ctx, e)
	switch {
	case err == nil:
		s.store(ctx, e)
	case errors.Is(err, ErrPreconditionFailed):
		s.invalidate(ctx, e.Key)
	}
	return err
}

func (s *cachedStore) store(ctx context.Context, e *Entry) {
	data, err := encodeCacheEntry(e)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", e.Key.String()).Msg("encode cache entry")
		return
	}
	if err := s.cache.Set(ctx, e.Key.String(), data, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", e.Key.String()).Msg("namespace cache write failed")
	}
}

func (s *cachedStore) invalidate(ctx context.Context, key Key) {
	if err := s.cache.Delete(ctx, key.String()); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("namespace cache invalidate failed")
	}
}

// Operation mutates a freshly loaded entry and reports whether it changed.
// Returning an error aborts PerformOperation without saving.
type Operation func(e *Entry) (bool, error)

// PerformOperation runs Load → op → Save against store, retrying only when the
// save loses a precondition race. After maxOperationAttempts conflicts it
// returns ErrTooManyConflicts wrapping the last conflict.
func PerformOperation(ctx context.Context, store Store, key Key, op Operation) (*Entry, error) {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	obs, _ := store.(observer)
	report := func(result string) {
		if obs != nil {
			obs.observe(result)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxOperationAttempts; attempt++ {
		e, err := store.Load(ctx, key)
		if err != nil {
			report("error")
			return nil, err
		}

		changed, err := op(e)
		if err != nil {
			return nil, err
		}
		if !changed {
			report("unchanged")
			return e, nil
		}

		err = store.Save(ctx, e)
		if err == nil {
			report("saved")
			return e, nil
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			report("error")
			return nil, err
		}

		report("conflict")
		lastErr = err
		logger.Debug().
			Str("key", key.String()).
			Int("attempt", attempt).
			Msg("namespace save conflict, retrying")
	}

	report("exhausted")
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrTooManyConflicts, key, maxOperationAttempts, lastErr)
}
