package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blobmesh/internal/queue"
)

func TestParseJob(t *testing.T) {
	ctx := context.Background()

	j, err := ParseJob(BeginJob(ctx, "data0", "data1", "photos", "cat.jpg"))
	require.NoError(t, err)
	assert.Equal(t, Job{Source: "data0", Destination: "data1", Container: "photos", Blob: "cat.jpg"}, j)

	j, err = ParseJob(ProgressJob(ctx, "data0", "data1", "photos", "cat.jpg", "copy-1"))
	require.NoError(t, err)
	assert.Equal(t, "copy-1", j.CopyID)

	j, err = ParseJob(DeleteJob(ctx, "data2", "photos", "cat.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "data2", j.Destination)
	assert.Empty(t, j.Source)
}

func TestParseJob_Invalid(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		msg  *queue.Message
	}{
		{"unknown kind", queue.NewMessage(ctx, "Resize", map[string]string{FieldBlob: "x"})},
		{"begin without source", queue.NewMessage(ctx, KindBeginReplicate, map[string]string{
			FieldDestination: "data1", FieldContainer: "photos", FieldBlob: "cat.jpg",
		})},
		{"progress without copy id", queue.NewMessage(ctx, KindReplicateProgress, map[string]string{
			FieldSource: "data0", FieldDestination: "data1", FieldContainer: "photos", FieldBlob: "cat.jpg",
		})},
		{"delete without blob", queue.NewMessage(ctx, KindDeleteReplica, map[string]string{
			FieldDestination: "data1", FieldContainer: "photos",
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob(tt.msg)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestJobs_InheritCorrelationID(t *testing.T) {
	ctx := queue.WithCorrelationID(context.Background(), "req-9")
	assert.Equal(t, "req-9", BeginJob(ctx, "a", "b", "c", "d").CorrelationID)
	assert.Equal(t, "req-9", DeleteJob(ctx, "b", "c", "d").CorrelationID)
}

func TestPolicy(t *testing.T) {
	var nilPolicy *Policy
	assert.False(t, nilPolicy.Enabled())
	assert.False(t, nilPolicy.Matches("photos", "cat.jpg"))

	off, err := NewPolicy(false, "")
	require.NoError(t, err)
	assert.False(t, off.Matches("photos", "cat.jpg"))

	all, err := NewPolicy(true, "")
	require.NoError(t, err)
	assert.True(t, all.Matches("anything", "at/all"))

	photos, err := NewPolicy(true, `^photos/.*\.jpg$`)
	require.NoError(t, err)
	assert.True(t, photos.Matches("photos", "2024/cat.jpg"))
	assert.False(t, photos.Matches("photos", "cat.png"))
	assert.False(t, photos.Matches("docs", "cat.jpg"))

	_, err = NewPolicy(true, "([")
	assert.Error(t, err)
}
