package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := NewLogger(zerolog.New(&buf))
	require.NotNil(t, auditLogger)

	auditLogger.LogAuth("gw", "SAS", "", "allowed", "", "10.0.0.1")
	assert.Equal(t, "audit", decode(t, &buf)["component"])
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		account   string
		scheme    string
		key       string
		result    string
		reason    string
		wantLevel string
	}{
		{
			name:      "allowed with primary key",
			account:   "gateway",
			scheme:    "SharedKey",
			key:       "primary",
			result:    "allowed",
			wantLevel: "info",
		},
		{
			name:      "denied signature",
			account:   "gateway",
			scheme:    "SharedKeyLite",
			result:    "denied",
			reason:    "signature mismatch",
			wantLevel: "warn",
		},
		{
			name:      "anonymous",
			scheme:    "Anonymous",
			result:    "denied",
			reason:    "request carries no credentials",
			wantLevel: "warn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogAuth(tt.account, tt.scheme, tt.key, tt.result, tt.reason, "192.0.2.1")

			entry := decode(t, &buf)
			assert.Equal(t, "auth", entry["event_type"])
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, tt.scheme, entry["scheme"])
			assert.Equal(t, tt.result, entry["result"])
			assert.Equal(t, "192.0.2.1", entry["source_ip"])

			if tt.key != "" {
				assert.Equal(t, tt.key, entry["key"])
			} else {
				assert.NotContains(t, entry, "key")
			}
			if tt.reason != "" {
				assert.Equal(t, tt.reason, entry["reason"])
			} else {
				assert.NotContains(t, entry, "reason")
			}
		})
	}
}

func TestLogNamespace(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogNamespace("conflict_exhausted", "photos", "cat.jpg", "", "failed", "3 attempts")

	entry := decode(t, &buf)
	assert.Equal(t, "namespace", entry["event_type"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "photos", entry["container"])
	assert.Equal(t, "cat.jpg", entry["blob"])
	assert.NotContains(t, entry, "account")
	assert.Equal(t, "3 attempts", entry["details"])
}

func TestLogReplication(t *testing.T) {
	tests := []struct {
		outcome   string
		wantLevel string
	}{
		{"success", "info"},
		{"pending", "info"},
		{"superseded", "info"},
		{"failed", "warn"},
		{"aborted", "warn"},
		{"error", "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogReplication("begin", "acct0", "acct1", "photos", "cat.jpg", tt.outcome, "")

			entry := decode(t, &buf)
			assert.Equal(t, "replication", entry["event_type"])
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "acct0", entry["source"])
			assert.Equal(t, "acct1", entry["destination"])
		})
	}
}

func TestLogBlobOp(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogBlobOp("ListContainers", "", "", "acct0", 200, "192.0.2.9")

	entry := decode(t, &buf)
	assert.Equal(t, "blob_operation", entry["event_type"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, float64(200), entry["status"])
	assert.NotContains(t, entry, "container")
	assert.NotContains(t, entry, "blob")
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogAuth("a", "SAS", "", "denied", "x", "")
		l.LogNamespace("place", "c", "b", "a", "ok", "")
		l.LogReplication("finalize", "", "a", "c", "b", "success", "")
		l.LogBlobOp("GetBlob", "c", "b", "a", 200, "")
	})
}
