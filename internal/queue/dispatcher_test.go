package queue

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blobmesh/internal/metrics"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type dispatcherFixture struct {
	clock      *fakeClock
	queue      *MemoryQueue
	deadLetter *MemoryQueue
	metrics    *metrics.GatewayMetrics
	logs       *syncBuffer
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, handlers map[string]Handler) *dispatcherFixture {
	t.Helper()
	clock := newFakeClock()
	f := &dispatcherFixture{
		clock:      clock,
		queue:      NewMemoryQueueWithClock(clock.Now),
		deadLetter: NewMemoryQueue(),
		metrics:    metrics.NewGatewayMetrics(prometheus.NewRegistry()),
		logs:       &syncBuffer{},
	}
	f.dispatcher = NewDispatcher(DispatcherConfig{
		Queue:               f.queue,
		DeadLetter:          f.deadLetter,
		Handlers:            handlers,
		InvisibilityTimeout: 30 * time.Second,
		MaxDeliveryCount:    3,
		Logger:              zerolog.New(f.logs),
		Metrics:             f.metrics,
	})
	return f
}

func (f *dispatcherFixture) poll(t *testing.T) bool {
	t.Helper()
	found, err := f.dispatcher.Poll(context.Background())
	require.NoError(t, err)
	return found
}

func (f *dispatcherFixture) count(kind, result string) float64 {
	return testutil.ToFloat64(f.metrics.QueueMessages.WithLabelValues(kind, result))
}

func TestDispatcher_HandledMessageIsDeleted(t *testing.T) {
	var got *Message
	f := newDispatcherFixture(t, map[string]Handler{
		"BeginReplicate": func(ctx context.Context, msg *Message) bool {
			got = msg
			return true
		},
	})
	require.NoError(t, f.queue.Enqueue(context.Background(), &Message{
		Kind: "BeginReplicate", CorrelationID: "c1", Fields: map[string]string{"blob": "cat.jpg"},
	}, 0))

	assert.True(t, f.poll(t))
	require.NotNil(t, got)
	assert.Equal(t, "cat.jpg", got.Field("blob"))
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 1.0, f.count("BeginReplicate", "handled"))

	assert.False(t, f.poll(t), "queue is empty")
}

func TestDispatcher_UnhandledMessageIsRedelivered(t *testing.T) {
	var calls int
	f := newDispatcherFixture(t, map[string]Handler{
		"ReplicateProgress": func(ctx context.Context, msg *Message) bool {
			calls++
			return calls > 1
		},
	})
	require.NoError(t, f.queue.Enqueue(context.Background(), &Message{Kind: "ReplicateProgress"}, 0))

	assert.True(t, f.poll(t))
	assert.Equal(t, 1, f.queue.Len())
	assert.False(t, f.poll(t), "hidden until the invisibility timeout lapses")

	f.clock.Advance(31 * time.Second)
	assert.True(t, f.poll(t))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 1.0, f.count("ReplicateProgress", "retry"))
	assert.Equal(t, 1.0, f.count("ReplicateProgress", "handled"))
}

func TestDispatcher_PanicIsRecovered(t *testing.T) {
	f := newDispatcherFixture(t, map[string]Handler{
		"DeleteReplica": func(ctx context.Context, msg *Message) bool {
			panic("boom")
		},
	})
	require.NoError(t, f.queue.Enqueue(context.Background(), &Message{Kind: "DeleteReplica"}, 0))

	assert.NotPanics(t, func() { f.poll(t) })
	assert.Equal(t, 1, f.queue.Len(), "left for redelivery")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueErrors.WithLabelValues("panic")))
	assert.Contains(t, f.logs.String(), "handler panicked")
}

func TestDispatcher_UnknownKindIsLeftThenDeadLettered(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	require.NoError(t, f.queue.Enqueue(context.Background(), &Message{Kind: "FromTheFuture"}, 0))

	for i := 0; i < 3; i++ {
		assert.True(t, f.poll(t))
		assert.Equal(t, 1, f.queue.Len())
		f.clock.Advance(31 * time.Second)
	}
	assert.Equal(t, 3.0, f.count("FromTheFuture", "unknown"))

	assert.True(t, f.poll(t), "fourth delivery exceeds the limit")
	assert.Equal(t, 0, f.queue.Len())
	require.Equal(t, 1, f.deadLetter.Len())
	assert.Equal(t, "FromTheFuture", f.deadLetter.Messages()[0].Kind)
	assert.Equal(t, 1.0, f.count("FromTheFuture", "dead_lettered"))
}

func TestDispatcher_MalformedIsDeadLettered(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	require.NoError(t, f.queue.EnqueueBody(context.Background(), []byte("{oops")))

	assert.True(t, f.poll(t))
	assert.Equal(t, 0, f.queue.Len())
	require.Equal(t, 1, f.deadLetter.Len())

	d, err := f.deadLetter.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("{oops"), d.Body)
}

func TestDispatcher_DeadLetterFailureKeepsMessage(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.dispatcher.deadLetter = failingDeadLetter{}
	require.NoError(t, f.queue.EnqueueBody(context.Background(), []byte("{oops")))

	f.poll(t)
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueErrors.WithLabelValues("dead_letter")))
}

type failingDeadLetter struct{}

func (failingDeadLetter) EnqueueBody(context.Context, []byte) error {
	return errors.New("dead-letter queue unavailable")
}

func TestDispatcher_CorrelationScope(t *testing.T) {
	var (
		seen     []string
		followUp *Message
	)
	f := newDispatcherFixture(t, nil)
	f.dispatcher.Handle("BeginReplicate", func(ctx context.Context, msg *Message) bool {
		seen = append(seen, CorrelationID(ctx))
		zerolog.Ctx(ctx).Info().Msg("copying")
		followUp = NewMessage(ctx, "ReplicateProgress", nil)
		return true
	})
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, &Message{Kind: "BeginReplicate", CorrelationID: "first"}, 0))
	require.NoError(t, f.queue.Enqueue(ctx, &Message{Kind: "BeginReplicate", CorrelationID: "second"}, 0))

	f.poll(t)
	assert.Equal(t, "first", followUp.CorrelationID)
	f.poll(t)
	assert.Equal(t, "second", followUp.CorrelationID)

	assert.Equal(t, []string{"first", "second"}, seen)
	logs := f.logs.String()
	assert.Contains(t, logs, `"correlation_id":"first"`)
	assert.Contains(t, logs, `"correlation_id":"second"`)
	assert.Contains(t, logs, `"component":"dispatcher"`)
}

type erroringQueue struct {
	*MemoryQueue
	calls atomic.Int32
}

func (q *erroringQueue) Dequeue(ctx context.Context, invisibility time.Duration) (*Delivery, error) {
	if q.calls.Add(1) == 1 {
		return nil, errors.New("transient")
	}
	return q.MemoryQueue.Dequeue(ctx, invisibility)
}

func TestDispatcher_RunProcessesUntilCancelled(t *testing.T) {
	q := &erroringQueue{MemoryQueue: NewMemoryQueue()}
	var handled atomic.Int32
	d := NewDispatcher(DispatcherConfig{
		Queue:       q,
		IdleBackoff: 5 * time.Millisecond,
		Workers:     3,
		DequeueRate: 1000,
		Logger:      zerolog.Nop(),
		Handlers: map[string]Handler{
			"BeginReplicate": func(ctx context.Context, msg *Message) bool {
				handled.Add(1)
				return true
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, &Message{Kind: "BeginReplicate"}, 0))
	}
	require.Eventually(t, func() bool { return handled.Load() == 10 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
