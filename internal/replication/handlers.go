package replication

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/queue"
)

// Handlers binds the replication job kinds to c for a queue.Dispatcher.
// A job with missing fields is logged and reported as handled.
func Handlers(c *Coordinator) map[string]queue.Handler {
	return map[string]queue.Handler{
		KindBeginReplicate: func(ctx context.Context, msg *queue.Message) bool {
			j, ok := parse(ctx, msg)
			if !ok {
				return true
			}
			return c.BeginReplication(ctx, j.Source, j.Destination, j.Container, j.Blob, c.WaitBudget())
		},
		KindReplicateProgress: func(ctx context.Context, msg *queue.Message) bool {
			j, ok := parse(ctx, msg)
			if !ok {
				return true
			}
			return c.ProgressReplication(ctx, j.Source, j.Destination, j.Container, j.Blob, j.CopyID)
		},
		KindDeleteReplica: func(ctx context.Context, msg *queue.Message) bool {
			j, ok := parse(ctx, msg)
			if !ok {
				return true
			}
			return c.DeleteReplica(ctx, j.Destination, j.Container, j.Blob)
		},
	}
}

func parse(ctx context.Context, msg *queue.Message) (Job, bool) {
	j, err := ParseJob(msg)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("dropping invalid replication job")
		return Job{}, false
	}
	return j, true
}
