package replication

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/blobmesh/internal/namespace"
	"github.com/tunnelmesh/blobmesh/internal/queue"
)

// Trigger enqueues replication jobs in response to gateway writes and
// deletes.
type Trigger struct {
	queue    queue.Sender
	accounts []string
	policy   *Policy
	logger   zerolog.Logger
}

// NewTrigger returns a trigger fanning out to the given data accounts.
func NewTrigger(q queue.Sender, accounts []string, policy *Policy, logger zerolog.Logger) *Trigger {
	return &Trigger{
		queue:    q,
		accounts: slices.Clone(accounts),
		policy:   policy,
		logger:   logger.With().Str("component", "replication-trigger").Logger(),
	}
}

// AfterWrite queues a copy of the entry's blob to every other data account.
func (t *Trigger) AfterWrite(ctx context.Context, e *namespace.Entry) error {
	if e.Snapshot != "" || !t.policy.Matches(e.Container, e.Blob) {
		return nil
	}
	var targets []string
	for _, a := range t.accounts {
		if a != e.Account {
			targets = append(targets, a)
		}
	}
	return t.fanOut(ctx, targets, func(ctx context.Context, dest string) *queue.Message {
		return BeginJob(ctx, e.Account, dest, e.Container, e.Blob)
	})
}

// AfterDelete queues removal of every replica of the entry's blob.
func (t *Trigger) AfterDelete(ctx context.Context, e *namespace.Entry) error {
	if e.Snapshot != "" {
		return nil
	}
	var targets []string
	for _, a := range e.Replicas {
		if a != e.Account {
			targets = append(targets, a)
		}
	}
	return t.fanOut(ctx, targets, func(ctx context.Context, account string) *queue.Message {
		return DeleteJob(ctx, account, e.Container, e.Blob)
	})
}

func (t *Trigger) fanOut(ctx context.Context, targets []string, build func(context.Context, string) *queue.Message) error {
	if len(targets) == 0 {
		return nil
	}
	if queue.CorrelationID(ctx) == "" {
		ctx = queue.WithCorrelationID(ctx, queue.NewCorrelationID())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			msg := build(gctx, target)
			if err := t.queue.Enqueue(gctx, msg, 0); err != nil {
				return fmt.Errorf("enqueue %s for %s: %w", msg.Kind, target, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.logger.Error().Err(err).Msg("replication trigger failed")
		return err
	}
	t.logger.Debug().
		Strs("targets", targets).
		Str("correlation_id", queue.CorrelationID(ctx)).
		Msg("replication jobs queued")
	return nil
}
