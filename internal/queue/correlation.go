package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type correlationKey struct{}

// NewCorrelationID returns a time-ordered UUIDv7.
func NewCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithCorrelationID returns a context carrying id and a logger that tags
// every event with it. The scope ends with the returned context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	logger := Logger(ctx).With().Str("correlation_id", id).Logger()
	ctx = logger.WithContext(ctx)
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Logger returns the context logger, falling back to the global logger.
func Logger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		return &log.Logger
	}
	return logger
}
