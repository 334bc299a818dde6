// Package replication copies blobs between backing accounts and records the
// resulting replica sets in the namespace. Every step runs from a queue job so
// the request path never waits on a copy.
package replication

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/logging/audit"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/namespace"
	"github.com/tunnelmesh/blobmesh/internal/queue"
	"github.com/tunnelmesh/blobmesh/internal/storage"
)

// ErrInvalidJob is returned for a replication message missing required fields.
var ErrInvalidJob = errors.New("invalid replication job")

// Default coordinator settings.
const (
	DefaultWaitBudget        = 10 * time.Second
	DefaultPollInterval      = time.Second
	DefaultSourceSASLifetime = time.Hour
)

// Outcomes reported to metrics and the audit log.
const (
	outcomeSuccess    = "success"
	outcomePending    = "pending"
	outcomeAborted    = "aborted"
	outcomeFailed     = "failed"
	outcomeInvalid    = "invalid"
	outcomeSuperseded = "superseded"
	outcomeError      = "error"
	outcomeSkipped    = "skipped"
	outcomeDeleted    = "deleted"
)

// Storage is the backing-account surface the coordinator drives.
type Storage interface {
	Properties(ctx context.Context, account, container, blob string) (storage.Properties, error)
	ReadURL(account, container, blob string, lifetime time.Duration) (string, error)
	StartCopy(ctx context.Context, account, container, blob, sourceURL, blobType string) (string, storage.CopyStatus, error)
	EnsureContainer(ctx context.Context, account, container string) error
	Delete(ctx context.Context, account, container, blob, etag string) error
}

// Config configures a Coordinator.
type Config struct {
	Storage   Storage
	Namespace namespace.Store
	Queue     queue.Sender

	WaitBudget        time.Duration // Time BeginReplication polls before handing off
	PollInterval      time.Duration // Copy status poll period
	SourceSASLifetime time.Duration // Validity of the source read URL

	Logger  zerolog.Logger
	Metrics *metrics.GatewayMetrics
	Audit   *audit.Logger
}

// Coordinator runs the replication state machine for one blob at a time.
// It holds no per-blob state; the queue and the namespace carry it.
type Coordinator struct {
	storage      Storage
	ns           namespace.Store
	queue        queue.Sender
	waitBudget   time.Duration
	pollInterval time.Duration
	sasLifetime  time.Duration
	logger       zerolog.Logger
	metrics      *metrics.GatewayMetrics
	audit        *audit.Logger
}

// NewCoordinator creates a coordinator, applying defaults for zero durations.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = DefaultWaitBudget
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SourceSASLifetime <= 0 {
		cfg.SourceSASLifetime = DefaultSourceSASLifetime
	}
	return &Coordinator{
		storage:      cfg.Storage,
		ns:           cfg.Namespace,
		queue:        cfg.Queue,
		waitBudget:   cfg.WaitBudget,
		pollInterval: cfg.PollInterval,
		sasLifetime:  cfg.SourceSASLifetime,
		logger:       cfg.Logger.With().Str("component", "replication").Logger(),
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
	}
}

// WaitBudget returns the configured poll budget.
func (c *Coordinator) WaitBudget() time.Duration {
	return c.waitBudget
}

// log returns the message-scoped logger when ctx carries one.
func (c *Coordinator) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &c.logger
}

func (c *Coordinator) report(op, source, dest, container, blob, outcome, details string) {
	c.metrics.ReplicationOutcome(op, outcome)
	c.audit.LogReplication(op, source, dest, container, blob, outcome, details)
}

// BeginReplication starts a server-side copy of the blob from source to dest
// and polls it for up to waitBudget. It returns false only when a storage
// call failed and the job should be redelivered.
func (c *Coordinator) BeginReplication(ctx context.Context, source, dest, container, blob string, waitBudget time.Duration) bool {
	logger := c.log(ctx).With().
		Str("source", source).
		Str("destination", dest).
		Str("container", container).
		Str("blob", blob).
		Logger()

	if source == dest {
		logger.Warn().Msg("source and destination are the same account")
		c.report("begin", source, dest, container, blob, outcomeInvalid, "source equals destination")
		return true
	}

	src, err := c.storage.Properties(ctx, source, container, blob)
	if err != nil {
		logger.Error().Err(err).Msg("read source properties failed")
		c.report("begin", source, dest, container, blob, outcomeError, err.Error())
		return false
	}

	sourceURL, err := c.storage.ReadURL(source, container, blob, c.sasLifetime)
	if err != nil {
		logger.Error().Err(err).Msg("sign source url failed")
		c.report("begin", source, dest, container, blob, outcomeError, err.Error())
		return false
	}

	copyID, status, err := c.storage.StartCopy(ctx, dest, container, blob, sourceURL, src.BlobType)
	if storage.IsContainerNotFound(err) {
		// Replica accounts get the container on first use.
		logger.Info().Msg("destination container missing, creating it")
		if err = c.storage.EnsureContainer(ctx, dest, container); err == nil {
			copyID, status, err = c.storage.StartCopy(ctx, dest, container, blob, sourceURL, src.BlobType)
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("start copy failed")
		c.report("begin", source, dest, container, blob, outcomeError, err.Error())
		return false
	}
	logger.Info().Str("copy_id", copyID).Str("blob_type", src.BlobType).Msg("copy started")

	props := storage.Properties{CopyID: copyID, CopyStatus: status}
	started := time.Now()
	for props.CopyStatus == storage.CopyPending && time.Since(started) < waitBudget {
		if !sleep(ctx, c.pollInterval) {
			break
		}
		props, err = c.storage.Properties(ctx, dest, container, blob)
		if err != nil {
			logger.Error().Err(err).Str("copy_id", copyID).Msg("poll copy status failed")
			c.report("begin", source, dest, container, blob, outcomeError, err.Error())
			return false
		}
	}

	return c.handleCopyState(ctx, source, dest, container, blob, copyID, props, waitBudget)
}

// ProgressReplication re-reads the destination copy state for a copy started
// earlier and continues the state machine.
func (c *Coordinator) ProgressReplication(ctx context.Context, source, dest, container, blob, copyID string) bool {
	props, err := c.storage.Properties(ctx, dest, container, blob)
	if err != nil {
		if storage.IsNotFound(err) {
			// The destination was removed after the copy started.
			c.log(ctx).Info().Str("copy_id", copyID).Msg("copy destination gone, treating as superseded")
			c.report("progress", source, dest, container, blob, outcomeSuperseded, "destination missing")
			return true
		}
		c.log(ctx).Error().Err(err).Str("copy_id", copyID).Msg("read copy status failed")
		c.report("progress", source, dest, container, blob, outcomeError, err.Error())
		return false
	}
	return c.handleCopyState(ctx, source, dest, container, blob, copyID, props, c.waitBudget)
}

// handleCopyState acts on an observed copy state for the copy identified by
// copyID. A pending copy is re-checked after delay.
func (c *Coordinator) handleCopyState(ctx context.Context, source, dest, container, blob, copyID string, props storage.Properties, delay time.Duration) bool {
	logger := c.log(ctx).With().
		Str("source", source).
		Str("destination", dest).
		Str("container", container).
		Str("blob", blob).
		Str("copy_id", copyID).
		Logger()

	if props.CopyID != copyID {
		logger.Info().Str("observed_copy_id", props.CopyID).Msg("copy superseded")
		c.report("copy", source, dest, container, blob, outcomeSuperseded, props.CopyID)
		return true
	}

	switch props.CopyStatus {
	case storage.CopySuccess:
		logger.Info().Msg("copy completed")
		c.report("copy", source, dest, container, blob, outcomeSuccess, "")
		return c.FinalizeReplication(ctx, dest, container, blob, false)

	case storage.CopyPending:
		msg := ProgressJob(ctx, source, dest, container, blob, copyID)
		// A cancelled poll still hands off to the follow-up job.
		if err := c.queue.Enqueue(context.WithoutCancel(ctx), msg, delay); err != nil {
			logger.Error().Err(err).Msg("enqueue progress job failed")
			c.report("copy", source, dest, container, blob, outcomeError, err.Error())
			return false
		}
		logger.Debug().Dur("delay", delay).Msg("copy pending, progress job queued")
		c.report("copy", source, dest, container, blob, outcomePending, "")
		return true

	case storage.CopyAborted:
		logger.Warn().Str("description", props.CopyDescription).Msg("copy aborted")
		c.report("copy", source, dest, container, blob, outcomeAborted, props.CopyDescription)
		return true

	case storage.CopyFailed:
		logger.Warn().Str("description", props.CopyDescription).Msg("copy failed")
		c.report("copy", source, dest, container, blob, outcomeFailed, props.CopyDescription)
		return true

	default:
		logger.Warn().Str("status", string(props.CopyStatus)).Msg("copy status invalid")
		c.report("copy", source, dest, container, blob, outcomeInvalid, string(props.CopyStatus))
		return true
	}
}

// FinalizeReplication records a completed copy (isDelete false) or a
// completed replica deletion (isDelete true) in the namespace. It always
// reports the job as handled; failures are logged.
func (c *Coordinator) FinalizeReplication(ctx context.Context, account, container, blob string, isDelete bool) bool {
	_ = c.finalize(ctx, account, container, blob, isDelete)
	return true
}

func (c *Coordinator) finalize(ctx context.Context, account, container, blob string, isDelete bool) error {
	op := "finalize_add"
	if isDelete {
		op = "finalize_remove"
	}
	logger := c.log(ctx).With().
		Str("account", account).
		Str("container", container).
		Str("blob", blob).
		Bool("delete", isDelete).
		Logger()

	key := namespace.Key{Container: container, Blob: blob}
	_, err := namespace.PerformOperation(ctx, c.ns, key, func(e *namespace.Entry) (bool, error) {
		if !e.Exists() {
			if !isDelete {
				logger.Warn().Msg("namespace entry missing or deleted, replica not recorded")
			}
			return false, nil
		}
		if isDelete {
			return e.RemoveReplica(account), nil
		}
		return e.AddReplica(account), nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("namespace update failed")
		c.report(op, "", account, container, blob, outcomeError, err.Error())
		return err
	}
	c.report(op, "", account, container, blob, outcomeSuccess, "")
	return nil
}

// DeleteReplica removes account's copy of the blob from the namespace and
// then from storage, conditioned on the replica's ETag read beforehand so a
// replaced replica survives.
func (c *Coordinator) DeleteReplica(ctx context.Context, account, container, blob string) bool {
	logger := c.log(ctx).With().
		Str("account", account).
		Str("container", container).
		Str("blob", blob).
		Logger()

	props, err := c.storage.Properties(ctx, account, container, blob)
	if err != nil {
		if storage.IsNotFound(err) {
			if c.finalize(ctx, account, container, blob, true) != nil {
				return false
			}
			logger.Debug().Msg("replica already gone")
			c.report("delete", "", account, container, blob, outcomeSkipped, "replica missing")
			return true
		}
		logger.Error().Err(err).Msg("read replica properties failed")
		c.report("delete", "", account, container, blob, outcomeError, err.Error())
		return false
	}

	if err := c.finalize(ctx, account, container, blob, true); err != nil {
		return false
	}

	if err := c.storage.Delete(ctx, account, container, blob, props.ETag); err != nil {
		switch {
		case storage.IsNotFound(err):
			c.report("delete", "", account, container, blob, outcomeSkipped, "replica missing")
			return true
		case storage.IsConditionFailed(err):
			logger.Info().Str("etag", props.ETag).Msg("replica changed since read, not deleted")
			c.report("delete", "", account, container, blob, outcomeSkipped, "replica changed")
			return true
		default:
			logger.Error().Err(err).Msg("delete replica failed")
			c.report("delete", "", account, container, blob, outcomeError, err.Error())
			return false
		}
	}
	logger.Info().Msg("replica deleted")
	c.report("delete", "", account, container, blob, outcomeDeleted, "")
	return true
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
