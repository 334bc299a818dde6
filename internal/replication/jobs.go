package replication

import (
	"context"
	"fmt"

	"github.com/tunnelmesh/blobmesh/internal/queue"
)

// Job kinds carried on the work queue.
const (
	KindBeginReplicate    = "BeginReplicate"
	KindReplicateProgress = "ReplicateProgress"
	KindDeleteReplica     = "DeleteReplica"
)

// Message field names.
const (
	FieldSource      = "source"
	FieldDestination = "destination"
	FieldContainer   = "container"
	FieldBlob        = "blob"
	FieldCopyID      = "copyId"
)

// Job is the decoded form of a replication message.
type Job struct {
	Source      string
	Destination string
	Container   string
	Blob        string
	CopyID      string
}

// BeginJob returns a message that starts copying a blob to destination.
func BeginJob(ctx context.Context, source, destination, container, blob string) *queue.Message {
	return queue.NewMessage(ctx, KindBeginReplicate, map[string]string{
		FieldSource:      source,
		FieldDestination: destination,
		FieldContainer:   container,
		FieldBlob:        blob,
	})
}

// ProgressJob returns a message that re-checks an in-flight copy.
func ProgressJob(ctx context.Context, source, destination, container, blob, copyID string) *queue.Message {
	return queue.NewMessage(ctx, KindReplicateProgress, map[string]string{
		FieldSource:      source,
		FieldDestination: destination,
		FieldContainer:   container,
		FieldBlob:        blob,
		FieldCopyID:      copyID,
	})
}

// DeleteJob returns a message that removes the replica held by account.
func DeleteJob(ctx context.Context, account, container, blob string) *queue.Message {
	return queue.NewMessage(ctx, KindDeleteReplica, map[string]string{
		FieldDestination: account,
		FieldContainer:   container,
		FieldBlob:        blob,
	})
}

// ParseJob extracts a Job from msg, checking the fields its kind requires.
func ParseJob(msg *queue.Message) (Job, error) {
	j := Job{
		Source:      msg.Field(FieldSource),
		Destination: msg.Field(FieldDestination),
		Container:   msg.Field(FieldContainer),
		Blob:        msg.Field(FieldBlob),
		CopyID:      msg.Field(FieldCopyID),
	}

	required := []string{FieldDestination, FieldContainer, FieldBlob}
	switch msg.Kind {
	case KindBeginReplicate:
		required = append(required, FieldSource)
	case KindReplicateProgress:
		required = append(required, FieldSource, FieldCopyID)
	case KindDeleteReplica:
	default:
		return Job{}, fmt.Errorf("%w: kind %q", ErrInvalidJob, msg.Kind)
	}
	for _, f := range required {
		if msg.Field(f) == "" {
			return Job{}, fmt.Errorf("%w: %s missing %s", ErrInvalidJob, msg.Kind, f)
		}
	}
	return j, nil
}
