// Package loki provides a zerolog writer that ships JSON log lines to a
// Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Config configures a Writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static stream labels
	BatchSize     int               // Entries buffered before an early flush (default 100)
	FlushInterval time.Duration     // Periodic flush (default 5s)
	Timeout       time.Duration     // Push request timeout (default 10s)
	Compress      bool              // gzip request bodies
}

// Writer buffers log lines and pushes them to Loki in batches, one stream
// per log level. Write never fails so logging continues while Loki is down.
type Writer struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration
	compress  bool

	mu     sync.Mutex
	buffer []entry

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	pushMu  sync.Mutex
	errors  atomic.Uint64
}

type entry struct {
	ts    time.Time
	level string
	line  string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a writer. Call Start to begin periodic flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "blobmesh"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	return &Writer{
		url:       cfg.URL,
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		compress:  cfg.Compress,
		trigger:   make(chan struct{}, 1),
	}
}

// Write implements io.Writer for zerolog JSON output.
func (w *Writer) Write(p []byte) (int, error) {
	line := bytes.TrimSpace(p)
	if len(line) == 0 {
		return len(p), nil
	}
	var fields struct {
		Level string `json:"level"`
	}
	_ = json.Unmarshal(line, &fields)
	if fields.Level == "" {
		fields.Level = "unknown"
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{ts: time.Now(), level: fields.Level, line: string(line)})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start flushes in the background until Stop.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-w.trigger:
			}
			w.report(w.Flush(ctx))
		}
	}()
}

// Stop ends background flushing and pushes whatever is still buffered.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.report(w.Flush(context.Background()))
}

// Flush pushes the buffered lines now.
func (w *Writer) Flush(ctx context.Context) error {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	w.mu.Lock()
	entries := w.buffer
	w.buffer = nil
	w.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}

	body, err := w.encode(w.payload(entries))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", body)
	if err != nil {
		return fmt.Errorf("build loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("loki returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Writer) encode(p pushRequest) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if !w.compress {
		if err := json.NewEncoder(&buf).Encode(p); err != nil {
			return nil, fmt.Errorf("marshal loki payload: %w", err)
		}
		return &buf, nil
	}
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(p); err != nil {
		return nil, fmt.Errorf("marshal loki payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress loki payload: %w", err)
	}
	return &buf, nil
}

// payload groups entries into one stream per level, in level order.
func (w *Writer) payload(entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line})
	}
	levels := make([]string, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, l := range levels {
		labels := make(map[string]string, len(w.labels)+1)
		for k, v := range w.labels {
			labels[k] = v
		}
		labels["level"] = l
		req.Streams = append(req.Streams, stream{Stream: labels, Values: byLevel[l]})
	}
	return req
}

// report counts a flush failure, writing the first few to stderr. The
// writer cannot log through zerolog without feeding itself.
func (w *Writer) report(err error) {
	if err == nil {
		return
	}
	if n := w.errors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: %v\n", err)
	}
}

// FlushErrors returns the number of failed background flushes.
func (w *Writer) FlushErrors() uint64 {
	return w.errors.Load()
}
