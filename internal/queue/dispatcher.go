package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/blobmesh/internal/metrics"
)

// Handler processes one message. Returning true deletes the message;
// returning false leaves it for redelivery after the invisibility timeout.
type Handler func(ctx context.Context, msg *Message) bool

// Default dispatcher settings.
const (
	DefaultInvisibilityTimeout = 60 * time.Second
	DefaultIdleBackoff         = 2 * time.Second
	DefaultMaxDeliveryCount    = 10
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Queue      Queue
	DeadLetter DeadLetterQueue // optional
	Handlers   map[string]Handler

	InvisibilityTimeout time.Duration
	IdleBackoff         time.Duration
	Workers             int
	// MaxDeliveryCount dead-letters a message once it has been dequeued
	// more often than this. Zero uses DefaultMaxDeliveryCount.
	MaxDeliveryCount int64
	// DequeueRate caps dequeue calls per second across all workers. Zero
	// means unlimited.
	DequeueRate float64

	Logger  zerolog.Logger
	Metrics *metrics.GatewayMetrics
}

// Dispatcher pulls messages off a queue and routes them by kind.
type Dispatcher struct {
	queue        Queue
	deadLetter   DeadLetterQueue
	handlers     map[string]Handler
	invisibility time.Duration
	idle         time.Duration
	workers      int
	maxDelivery  int64
	limiter      *rate.Limiter
	logger       zerolog.Logger
	metrics      *metrics.GatewayMetrics
}

// NewDispatcher creates a dispatcher. Handlers must be registered before Run.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.InvisibilityTimeout <= 0 {
		cfg.InvisibilityTimeout = DefaultInvisibilityTimeout
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	limit := rate.Inf
	if cfg.DequeueRate > 0 {
		limit = rate.Limit(cfg.DequeueRate)
	}

	d := &Dispatcher{
		queue:        cfg.Queue,
		deadLetter:   cfg.DeadLetter,
		handlers:     make(map[string]Handler, len(cfg.Handlers)),
		invisibility: cfg.InvisibilityTimeout,
		idle:         cfg.IdleBackoff,
		workers:      cfg.Workers,
		maxDelivery:  cfg.MaxDeliveryCount,
		limiter:      rate.NewLimiter(limit, cfg.Workers),
		logger:       cfg.Logger.With().Str("component", "dispatcher").Logger(),
		metrics:      cfg.Metrics,
	}
	for kind, h := range cfg.Handlers {
		d.handlers[kind] = h
	}
	return d
}

// Handle registers h for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind string, h Handler) {
	d.handlers[kind] = h
}

// Run processes messages until ctx is cancelled. Handler failures never stop
// the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("workers", d.workers).
		Dur("invisibility", d.invisibility).
		Int64("max_delivery_count", d.maxDelivery).
		Msg("dispatcher started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			d.work(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info().Msg("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	ctx = d.logger.With().Int("worker", worker).Logger().WithContext(ctx)
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		processed, err := d.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Error().Err(err).Msg("dequeue failed")
		}
		if !processed && !sleep(ctx, d.idle) {
			return
		}
	}
}

// Poll dequeues and processes at most one message. It reports whether a
// message was found.
func (d *Dispatcher) Poll(ctx context.Context) (bool, error) {
	if zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		ctx = d.logger.WithContext(ctx)
	}
	delivery, err := d.queue.Dequeue(ctx, d.invisibility)
	if err != nil {
		d.metrics.QueueError("dequeue")
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	d.process(ctx, delivery)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, del *Delivery) {
	if del.Message == nil {
		d.logger.Warn().Str("message_id", del.ID).Msg("malformed message")
		d.deadLetterMessage(ctx, del, "malformed")
		return
	}
	msg := del.Message

	id := msg.CorrelationID
	if id == "" {
		id = NewCorrelationID()
	}
	ctx = WithCorrelationID(ctx, id)
	logger := Logger(ctx).With().
		Str("kind", msg.Kind).
		Str("message_id", del.ID).
		Int64("dequeue_count", del.DequeueCount).
		Logger()
	ctx = logger.WithContext(ctx)

	if del.DequeueCount > d.maxDelivery {
		logger.Warn().Msg("delivery count exceeded")
		d.deadLetterMessage(ctx, del, msg.Kind)
		return
	}

	h, ok := d.handlers[msg.Kind]
	if !ok {
		logger.Warn().Msg("no handler for message kind, leaving for redelivery")
		d.metrics.QueueMessage(msg.Kind, "unknown")
		return
	}

	if !d.invoke(ctx, h, msg) {
		logger.Debug().Msg("message not handled, leaving for redelivery")
		d.metrics.QueueMessage(msg.Kind, "retry")
		return
	}
	if err := d.queue.Delete(ctx, del); err != nil {
		logger.Error().Err(err).Msg("delete handled message failed")
		d.metrics.QueueError("delete")
		return
	}
	d.metrics.QueueMessage(msg.Kind, "handled")
}

// invoke calls h, converting a panic into an unhandled result.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg *Message) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			d.metrics.QueueError("panic")
			handled = false
		}
	}()
	return h(ctx, msg)
}

func (d *Dispatcher) deadLetterMessage(ctx context.Context, del *Delivery, kind string) {
	if d.deadLetter != nil {
		if err := d.deadLetter.EnqueueBody(ctx, del.Body); err != nil {
			d.logger.Error().Err(err).Str("message_id", del.ID).Msg("dead-letter enqueue failed")
			d.metrics.QueueError("dead_letter")
			return
		}
	}
	if err := d.queue.Delete(ctx, del); err != nil {
		d.logger.Error().Err(err).Str("message_id", del.ID).Msg("delete dead-lettered message failed")
		d.metrics.QueueError("delete")
		return
	}
	d.metrics.QueueMessage(kind, "dead_lettered")
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
