package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for security- and data-relevant
// events. Methods are safe to call on a nil *Logger, which discards events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAuth logs an authentication decision.
// account: the account named by the credentials (empty for anonymous requests)
// scheme: "SharedKey", "SharedKeyLite", "SAS" or "Anonymous"
// key: which account key matched ("primary", "secondary", or empty)
// result: "allowed" or "denied"
// reason: why the request was denied (empty when allowed)
func (l *Logger) LogAuth(account, scheme, key, result, reason, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("account", account).
		Str("scheme", scheme).
		Str("result", result).
		Str("source_ip", sourceIP)

	if key != "" {
		event = event.Str("key", key)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Authentication event")
}

// LogNamespace logs a namespace mutation or conflict.
// action: e.g. "place", "soft_delete", "add_replica", "remove_replica", "conflict_exhausted"
// result: "ok" or "failed"
func (l *Logger) LogNamespace(action, container, blob, account, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result != "ok" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "namespace").
		Str("action", action).
		Str("container", container).
		Str("blob", blob).
		Str("result", result)

	if account != "" {
		event = event.Str("account", account)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Namespace event")
}

// LogReplication logs a replication outcome.
// operation: "begin", "progress", "finalize" or "delete_replica"
// outcome: e.g. "success", "pending", "failed", "aborted", "superseded", "error"
func (l *Logger) LogReplication(operation, source, destination, container, blob, outcome, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	switch outcome {
	case "failed", "aborted", "invalid", "error":
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "replication").
		Str("operation", operation).
		Str("destination", destination).
		Str("container", container).
		Str("blob", blob).
		Str("outcome", outcome)

	if source != "" {
		event = event.Str("source", source)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Replication event")
}

// LogBlobOp logs a proxied blob-service operation.
// operation: gateway operation name (e.g. "GetBlob", "PutBlob", "ListContainers")
// account: the backing account the request was routed to
// status: upstream HTTP status code
func (l *Logger) LogBlobOp(operation, container, blob, account string, status int, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if status >= 500 {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "blob_operation").
		Str("operation", operation).
		Str("account", account).
		Int("status", status).
		Str("source_ip", sourceIP)

	if container != "" {
		event = event.Str("container", container)
	}
	if blob != "" {
		event = event.Str("blob", blob)
	}

	event.Msg("Blob operation")
}
