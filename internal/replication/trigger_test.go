package replication

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blobmesh/internal/namespace"
	"github.com/tunnelmesh/blobmesh/internal/queue"
	"github.com/tunnelmesh/blobmesh/internal/storage"
)

func newTrigger(t *testing.T, q queue.Sender, pattern string) *Trigger {
	t.Helper()
	p, err := NewPolicy(true, pattern)
	require.NoError(t, err)
	return NewTrigger(q, []string{"data0", "data1", "data2"}, p, zerolog.Nop())
}

func destinations(msgs []*queue.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Field(FieldDestination))
	}
	sort.Strings(out)
	return out
}

func TestTrigger_AfterWrite(t *testing.T) {
	q := queue.NewMemoryQueue()
	tr := newTrigger(t, q, "")

	e := namespace.NewEntry(namespace.Key{Container: "photos", Blob: "cat.jpg"})
	e.Account = "data1"
	require.NoError(t, tr.AfterWrite(context.Background(), e))

	msgs := q.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"data0", "data2"}, destinations(msgs))
	for _, m := range msgs {
		assert.Equal(t, KindBeginReplicate, m.Kind)
		assert.Equal(t, "data1", m.Field(FieldSource))
		assert.Equal(t, "photos", m.Field(FieldContainer))
		assert.Equal(t, "cat.jpg", m.Field(FieldBlob))
	}
	assert.NotEmpty(t, msgs[0].CorrelationID)
	assert.Equal(t, msgs[0].CorrelationID, msgs[1].CorrelationID, "one correlation id per fan-out")
}

func TestTrigger_AfterWriteSkips(t *testing.T) {
	q := queue.NewMemoryQueue()
	tr := newTrigger(t, q, `^photos/`)
	ctx := context.Background()

	other := namespace.NewEntry(namespace.Key{Container: "docs", Blob: "a.txt"})
	other.Account = "data0"
	require.NoError(t, tr.AfterWrite(ctx, other))

	snap := namespace.NewEntry(namespace.Key{Container: "photos", Blob: "cat.jpg", Snapshot: "2024-05-01T00:00:00Z"})
	snap.Account = "data0"
	require.NoError(t, tr.AfterWrite(ctx, snap))

	disabled := NewTrigger(q, []string{"data0", "data1"}, nil, zerolog.Nop())
	e := namespace.NewEntry(namespace.Key{Container: "photos", Blob: "cat.jpg"})
	e.Account = "data0"
	require.NoError(t, disabled.AfterWrite(ctx, e))

	assert.Equal(t, 0, q.Len())
}

func TestTrigger_AfterDelete(t *testing.T) {
	q := queue.NewMemoryQueue()
	tr := newTrigger(t, q, `^nomatch$`)

	e := namespace.NewEntry(namespace.Key{Container: "photos", Blob: "cat.jpg"})
	e.Account = "data0"
	e.Replicas = []string{"data1", "data2"}
	ctx := queue.WithCorrelationID(context.Background(), "del-1")
	require.NoError(t, tr.AfterDelete(ctx, e))

	msgs := q.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"data1", "data2"}, destinations(msgs))
	for _, m := range msgs {
		assert.Equal(t, KindDeleteReplica, m.Kind)
		assert.Equal(t, "del-1", m.CorrelationID)
	}
}

type rejectingSender struct{}

func (rejectingSender) Enqueue(context.Context, *queue.Message, time.Duration) error {
	return errors.New("queue full")
}

func TestTrigger_EnqueueFailure(t *testing.T) {
	tr := newTrigger(t, rejectingSender{}, "")
	e := namespace.NewEntry(namespace.Key{Container: "photos", Blob: "cat.jpg"})
	e.Account = "data0"
	assert.ErrorContains(t, tr.AfterWrite(context.Background(), e), "queue full")
}

func TestHandlers_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "data0", false)
	f.storage.copyStatus = storage.CopySuccess

	d := queue.NewDispatcher(queue.DispatcherConfig{
		Queue:    f.queue,
		Handlers: Handlers(f.coord),
		Logger:   zerolog.Nop(),
		Metrics:  f.metrics,
	})
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, BeginJob(ctx, "data0", "data1", "photos", "cat.jpg"), 0))
	processed, err := d.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, []string{"data1"}, f.entry(t).Replicas)

	f.storage.setProps("data1", "photos", "cat.jpg", storage.Properties{ETag: "\"r\""})
	require.NoError(t, f.queue.Enqueue(ctx, DeleteJob(ctx, "data1", "photos", "cat.jpg"), 0))
	_, err = d.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, f.entry(t).Replicas)
	assert.Len(t, f.storage.deletes, 1)

	// Invalid jobs are consumed rather than redelivered.
	require.NoError(t, f.queue.Enqueue(ctx, queue.NewMessage(ctx, KindDeleteReplica, nil), 0))
	_, err = d.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.queue.Len())
}
