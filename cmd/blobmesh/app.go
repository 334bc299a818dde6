package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/accounts"
	"github.com/tunnelmesh/blobmesh/internal/auth"
	"github.com/tunnelmesh/blobmesh/internal/config"
	"github.com/tunnelmesh/blobmesh/internal/gateway"
	"github.com/tunnelmesh/blobmesh/internal/logging/audit"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/namespace"
	"github.com/tunnelmesh/blobmesh/internal/queue"
	"github.com/tunnelmesh/blobmesh/internal/replication"
	"github.com/tunnelmesh/blobmesh/internal/storage"
)

// Stored access policies are cached briefly so SAS checks do not hit the
// backing account on every request.
const (
	policyCacheSize = 1024
	policyCacheTTL  = 30 * time.Second
)

// app holds the components shared by serve and worker.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *metrics.GatewayMetrics
	audit    *audit.Logger
	accounts *accounts.Registry
	backends *storage.Backends
	store    namespace.Store
	resolver *namespace.Resolver

	// Set only when replication is enabled.
	queue       queue.Queue
	deadLetter  queue.DeadLetterQueue
	coordinator *replication.Coordinator
	trigger     *replication.Trigger

	closers []func() error
}

// newApp wires the namespace, storage and replication components for cfg.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.GatewayMetrics) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		audit:   audit.NewLogger(logger),
	}

	reg, err := accounts.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	a.accounts = reg

	a.backends, err = storage.NewBackends(reg, storage.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("storage clients: %w", err)
	}

	if err := a.initNamespace(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Replication.Enabled {
		if err := a.initReplication(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) initNamespace(ctx context.Context) error {
	durable, err := a.newDurable(ctx)
	if err != nil {
		return err
	}
	cache, err := a.newCache(ctx)
	if err != nil {
		return err
	}

	a.store = namespace.NewStore(durable, cache, config.Duration(a.cfg.Namespace.Cache.TTL),
		namespace.Options{Logger: a.logger, Metrics: a.metrics})

	a.resolver, err = namespace.NewResolver(a.store, a.accounts.DataNames(), a.logger)
	if err != nil {
		return fmt.Errorf("namespace resolver: %w", err)
	}
	return nil
}

func (a *app) newDurable(ctx context.Context) (namespace.Durable, error) {
	ns := a.cfg.Namespace
	switch ns.Backend {
	case "blob":
		acct, ok := a.accounts.Namespace()
		if !ok {
			return nil, errors.New("blob namespace backend needs a namespace account")
		}
		if err := a.backends.EnsureContainer(ctx, acct.Name, ns.Container); err != nil {
			return nil, fmt.Errorf("namespace container: %w", err)
		}
		client, err := a.backends.Container(acct.Name, ns.Container)
		if err != nil {
			return nil, err
		}
		a.logger.Info().Str("account", acct.Name).Str("container", ns.Container).Msg("namespace stored in blob metadata")
		return namespace.NewBlobDurable(client), nil

	case "dynamodb":
		client, err := namespace.NewDynamoDBClient(ctx, ns.DynamoDB)
		if err != nil {
			return nil, err
		}
		a.logger.Info().Str("table", ns.DynamoDB.Table).Msg("namespace stored in DynamoDB")
		return namespace.NewDynamoDurable(client, ns.DynamoDB.Table), nil

	case "memory":
		a.logger.Warn().Msg("namespace is in memory and will be lost on restart")
		return namespace.NewMemoryDurable(), nil

	default:
		return nil, fmt.Errorf("unknown namespace backend %q", ns.Backend)
	}
}

// newCache returns nil when caching is off.
func (a *app) newCache(ctx context.Context) (namespace.Cache, error) {
	c := a.cfg.Namespace.Cache
	if !c.Enabled {
		return nil, nil
	}
	switch c.Backend {
	case "memory":
		return namespace.NewLRUCache(c.Size, config.Duration(c.TTL)), nil
	case "redis":
		client := namespace.NewRedisClient(c.Redis)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			// The cache is best-effort; the store falls through to durable reads.
			a.logger.Warn().Err(err).Str("addr", c.Redis.Addr).Msg("redis cache unreachable")
		}
		return namespace.NewRedisCache(client), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", c.Backend)
	}
}

func (a *app) initReplication(ctx context.Context) error {
	r := a.cfg.Replication
	switch r.Queue.Backend {
	case "azure":
		acct, ok := a.accounts.Namespace()
		if !ok {
			return errors.New("azure queue backend needs a namespace account")
		}
		work, err := queue.NewAzureQueue(acct, r.Queue.Name)
		if err != nil {
			return err
		}
		poison, err := queue.NewAzureQueue(acct, r.Queue.DeadLetterName)
		if err != nil {
			return err
		}
		for _, q := range []*queue.AzureQueue{work, poison} {
			if err := q.EnsureExists(ctx); err != nil {
				return err
			}
		}
		a.queue, a.deadLetter = work, poison
	case "memory":
		a.queue, a.deadLetter = queue.NewMemoryQueue(), queue.NewMemoryQueue()
	default:
		return fmt.Errorf("unknown queue backend %q", r.Queue.Backend)
	}

	policy, err := replication.NewPolicy(r.Enabled, r.PathPattern)
	if err != nil {
		return err
	}
	a.trigger = replication.NewTrigger(a.queue, a.accounts.DataNames(), policy, a.logger)
	a.coordinator = replication.NewCoordinator(replication.Config{
		Storage:           a.backends,
		Namespace:         a.store,
		Queue:             a.queue,
		WaitBudget:        config.Duration(r.WaitBudget),
		PollInterval:      config.Duration(r.PollInterval),
		SourceSASLifetime: config.Duration(r.SourceSASLifetime),
		Logger:            a.logger,
		Metrics:           a.metrics,
		Audit:             a.audit,
	})
	return nil
}

// gateway builds the HTTP front end.
func (a *app) gateway() *gateway.Server {
	policies := auth.NewCachedPolicySource(
		storage.NewAccessPolicies(a.backends, a.accounts.DataNames()[0]),
		policyCacheSize, policyCacheTTL)

	authenticator := auth.NewAuthenticator(auth.Config{
		Account:       a.accounts.Gateway(),
		MaxRequestAge: config.Duration(a.cfg.Auth.MaxRequestAge),
		Policies:      policies,
		Logger:        a.logger,
		Metrics:       a.metrics,
		Audit:         a.audit,
	})

	cfg := gateway.Config{
		Authenticator: authenticator,
		Resolver:      a.resolver,
		Accounts:      a.accounts,
		Logger:        a.logger,
		Metrics:       a.metrics,
		Audit:         a.audit,
	}
	if a.trigger != nil {
		cfg.Trigger = a.trigger
	}
	return gateway.NewServer(cfg)
}

// dispatcher builds the queue loop running the replication handlers. It
// returns nil when replication is disabled.
func (a *app) dispatcher() *queue.Dispatcher {
	if a.coordinator == nil {
		return nil
	}
	q := a.cfg.Replication.Queue
	return queue.NewDispatcher(queue.DispatcherConfig{
		Queue:               a.queue,
		DeadLetter:          a.deadLetter,
		Handlers:            replication.Handlers(a.coordinator),
		InvisibilityTimeout: config.Duration(q.InvisibilityTimeout),
		IdleBackoff:         config.Duration(q.IdleBackoff),
		Workers:             q.Workers,
		MaxDeliveryCount:    int64(q.MaxDeliveryCount),
		DequeueRate:         float64(q.DequeueRate),
		Logger:              a.logger,
		Metrics:             a.metrics,
	})
}

// Close releases client connections.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Debug().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
