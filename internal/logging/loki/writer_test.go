package loki

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoki struct {
	mu      sync.Mutex
	pushes  []pushRequest
	status  int
	pushURL string
	gzipped bool
}

func (f *fakeLoki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer func() { _ = zr.Close() }()
		body = zr
	}
	_ = json.NewDecoder(body).Decode(&req)
	f.mu.Lock()
	f.gzipped = r.Header.Get("Content-Encoding") == "gzip"
	f.pushes = append(f.pushes, req)
	f.pushURL = r.URL.Path
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeLoki) received() []pushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushRequest(nil), f.pushes...)
}

func newFakeLoki(t *testing.T) (*fakeLoki, string) {
	t.Helper()
	f := &fakeLoki{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func TestNewWriter_Defaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", Labels: map[string]string{"instance": "gw-1"}})
	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, 5*time.Second, w.interval)
	assert.Equal(t, map[string]string{"job": "blobmesh", "instance": "gw-1"}, w.labels)
}

func TestWriter_FlushGroupsByLevel(t *testing.T) {
	fake, url := newFakeLoki(t)
	w := NewWriter(Config{URL: url})

	logger := zerolog.New(w)
	logger.Info().Str("component", "gateway").Msg("one")
	logger.Warn().Msg("two")
	logger.Info().Msg("three")
	_, _ = w.Write([]byte("  \n"))

	require.NoError(t, w.Flush(context.Background()))
	pushes := fake.received()
	require.Len(t, pushes, 1)
	assert.Equal(t, "/loki/api/v1/push", fake.pushURL)

	streams := pushes[0].Streams
	require.Len(t, streams, 2)
	assert.Equal(t, "info", streams[0].Stream["level"])
	assert.Equal(t, "blobmesh", streams[0].Stream["job"])
	assert.Len(t, streams[0].Values, 2)
	assert.Contains(t, streams[0].Values[0][1], `"component":"gateway"`)
	assert.Equal(t, "warn", streams[1].Stream["level"])

	require.NoError(t, w.Flush(context.Background()), "empty buffer is a no-op")
	assert.Len(t, fake.received(), 1)
}

func TestWriter_Compressed(t *testing.T) {
	fake, url := newFakeLoki(t)
	w := NewWriter(Config{URL: url, Compress: true})
	_, _ = w.Write([]byte(`{"level":"info","message":"zipped"}`))

	require.NoError(t, w.Flush(context.Background()))
	pushes := fake.received()
	require.Len(t, pushes, 1)
	assert.True(t, fake.gzipped)
	assert.Contains(t, pushes[0].Streams[0].Values[0][1], "zipped")
}

func TestWriter_NonJSONLine(t *testing.T) {
	fake, url := newFakeLoki(t)
	w := NewWriter(Config{URL: url})
	_, _ = w.Write([]byte("plain text\n"))
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, "unknown", fake.received()[0].Streams[0].Stream["level"])
}

func TestWriter_ServerError(t *testing.T) {
	fake, url := newFakeLoki(t)
	fake.status = http.StatusInternalServerError
	w := NewWriter(Config{URL: url})
	_, _ = w.Write([]byte(`{"level":"error"}`))

	assert.ErrorContains(t, w.Flush(context.Background()), "status 500")
}

func TestWriter_BatchTriggersBackgroundFlush(t *testing.T) {
	fake, url := newFakeLoki(t)
	w := NewWriter(Config{URL: url, BatchSize: 2, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte(`{"level":"info","message":"a"}`))
	_, _ = w.Write([]byte(`{"level":"info","message":"b"}`))

	assert.Eventually(t, func() bool { return len(fake.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWriter_StopFlushesAndCountsErrors(t *testing.T) {
	fake, url := newFakeLoki(t)
	w := NewWriter(Config{URL: url, FlushInterval: time.Hour})
	w.Start()
	_, _ = w.Write([]byte(`{"level":"debug"}`))
	w.Stop()
	assert.Len(t, fake.received(), 1)
	assert.Zero(t, w.FlushErrors())

	unreachable := NewWriter(Config{URL: "http://127.0.0.1:1", Timeout: time.Second})
	_, _ = unreachable.Write([]byte(`{"level":"info"}`))
	unreachable.Stop()
	assert.Equal(t, uint64(1), unreachable.FlushErrors())
}
