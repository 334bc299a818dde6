package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blobmesh/internal/accounts"
	"github.com/tunnelmesh/blobmesh/internal/auth"
	"github.com/tunnelmesh/blobmesh/internal/config"
	"github.com/tunnelmesh/blobmesh/internal/logging/loki"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/namespace"
	"github.com/tunnelmesh/blobmesh/internal/placement"
	"github.com/tunnelmesh/blobmesh/testutil"
)

type testKeys struct {
	gateway []byte
	data    []byte
}

func memoryConfig(t *testing.T, extra string) (string, testKeys) {
	t.Helper()
	keys := testKeys{gateway: testutil.AccountKey(t), data: testutil.AccountKey(t)}
	enc := base64.StdEncoding.EncodeToString
	return fmt.Sprintf(`
listen: "127.0.0.1:0"
account:
  name: gateway
  key: %q
  blob_endpoint: "http://127.0.0.1:10000"
accounts:
  - name: data0
    key: %q
    blob_endpoint: "http://127.0.0.1:1/data0"
  - name: data1
    key: %q
    blob_endpoint: "http://127.0.0.1:1/data1"
namespace:
  backend: memory
%s`, enc(keys.gateway), enc(keys.data), enc(keys.data), extra), keys
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	return testutil.TempFile(t, dir, "blobmesh.yaml", content)
}

func parseConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func testMetrics() *metrics.GatewayMetrics {
	return metrics.NewGatewayMetrics(prometheus.NewRegistry())
}

func TestNewApp_MemoryReplication(t *testing.T) {
	content, _ := memoryConfig(t, `
replication:
  enabled: true
  queue:
    backend: memory
`)
	cfg := parseConfig(t, content)

	a, err := newApp(context.Background(), cfg, zerolog.Nop(), testMetrics())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"data0", "data1"}, a.accounts.DataNames())
	require.NotNil(t, a.trigger)
	require.NotNil(t, a.coordinator)
	assert.NotNil(t, a.dispatcher())
	assert.NotNil(t, a.gateway())

	key := namespace.Key{Container: "photos", Blob: "cat.jpg"}
	e, err := a.resolver.ResolveWrite(context.Background(), key)
	require.NoError(t, err)
	want, err := a.resolver.Place("cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, want, e.Account)

	// The trigger fans out to the other data account on the in-process queue.
	require.NoError(t, a.trigger.AfterWrite(context.Background(), e))
	d, err := a.queue.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NotNil(t, d.Message)
	assert.Equal(t, "BeginReplicate", d.Message.Kind)
}

func TestNewApp_ReplicationDisabled(t *testing.T) {
	content, _ := memoryConfig(t, "")
	a, err := newApp(context.Background(), parseConfig(t, content), zerolog.Nop(), testMetrics())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.trigger)
	assert.Nil(t, a.dispatcher())
	assert.NotNil(t, a.gateway())
}

func TestNewApp_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	content, _ := memoryConfig(t, fmt.Sprintf(`
  cache:
    enabled: true
    backend: redis
    redis:
      addr: %q
`, mr.Addr()))

	a, err := newApp(context.Background(), parseConfig(t, content), zerolog.Nop(), testMetrics())
	require.NoError(t, err)
	defer a.Close()

	key := namespace.Key{Container: "photos", Blob: "cat.jpg"}
	_, err = a.resolver.ResolveWrite(context.Background(), key)
	require.NoError(t, err)
	_, err = a.resolver.ResolveRead(context.Background(), key)
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys(), "entry shadow cached in redis")
}

func TestNewApp_MissingKey(t *testing.T) {
	cfg := parseConfig(t, `
account:
  name: gateway
accounts:
  - name: data0
namespace:
  backend: memory
`)
	_, err := newApp(context.Background(), cfg, zerolog.Nop(), testMetrics())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLOBMESH_KEY_GATEWAY")
}

func TestCheckWorkerConfig(t *testing.T) {
	content, _ := memoryConfig(t, "")
	cfg := parseConfig(t, content)
	assert.ErrorContains(t, checkWorkerConfig(cfg), "disabled")

	cfg.Replication.Enabled = true
	cfg.Replication.Queue.Backend = "memory"
	assert.ErrorContains(t, checkWorkerConfig(cfg), "memory queue")

	cfg.Replication.Queue.Backend = "azure"
	assert.NoError(t, checkWorkerConfig(cfg))
}

func TestRunWorker_RejectsMemoryQueue(t *testing.T) {
	content, _ := memoryConfig(t, `
replication:
  enabled: true
  queue:
    backend: memory
`)
	err := runWorker(context.Background(), writeConfig(t, content))
	assert.ErrorContains(t, err, "memory queue")
}

func TestRunServe_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "listen: \":1\"\n")
	err := runServe(context.Background(), path)
	assert.ErrorContains(t, err, "account.name")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug", "warn"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("", "warn"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("nonsense", "warn"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("", ""))
}

func TestLogWriter(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(logWriter("json", &buf, nil))
		logger.Info().Str("k", "v").Msg("hello")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "hello", line["message"])
	})

	t.Run("console", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(logWriter("console", &buf, nil))
		logger.Info().Msg("hello")
		assert.Contains(t, buf.String(), "hello")
		assert.False(t, json.Valid(buf.Bytes()))
	})

	t.Run("loki tee", func(t *testing.T) {
		var pushed []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := new(bytes.Buffer)
			_, _ = buf.ReadFrom(r.Body)
			pushed = buf.Bytes()
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		lw := loki.NewWriter(loki.Config{URL: srv.URL})
		var buf bytes.Buffer
		logger := zerolog.New(logWriter("json", &buf, lw))
		logger.Warn().Msg("shipped")
		require.NoError(t, lw.Flush(context.Background()))

		assert.Contains(t, buf.String(), "shipped")
		assert.Contains(t, string(pushed), "shipped")
	})
}

func TestPlaceBlob(t *testing.T) {
	names := []string{"data0", "data1", "data2"}
	account, idx, err := placeBlob(names, "cat.jpg")
	require.NoError(t, err)

	want, err := placement.Select("cat.jpg", len(names))
	require.NoError(t, err)
	assert.Equal(t, want, idx)
	assert.Equal(t, names[want], account)

	_, _, err = placeBlob(names, " ")
	assert.ErrorIs(t, err, placement.ErrInvalidBlobName)
}

func TestSignURL(t *testing.T) {
	key := testutil.AccountKey(t)
	now := time.Now()
	authn := auth.NewAuthenticator(auth.Config{
		Account: accounts.Account{Name: "gateway", PrimaryKey: key},
		Logger:  zerolog.Nop(),
	})

	signed, err := signURL("gateway", key, "http://127.0.0.1:10000/", signURLOptions{
		container:   "photos",
		blob:        "cat.jpg",
		permissions: "r",
		expiry:      time.Hour,
	}, now)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/photos/cat.jpg", u.Path)
	assert.Equal(t, "b", u.Query().Get("sr"))
	assert.Equal(t, "r", u.Query().Get("sp"))
	assert.Equal(t, auth.FormatSASTime(now.Add(time.Hour)), u.Query().Get("se"))

	read := httptest.NewRequest(http.MethodGet, signed, nil)
	assert.True(t, authn.Authenticate(context.Background(), auth.RequestFromHTTP(read), auth.Options{}).Authorized)

	write := httptest.NewRequest(http.MethodPut, signed, strings.NewReader("x"))
	assert.False(t, authn.Authenticate(context.Background(), auth.RequestFromHTTP(write), auth.Options{}).Authorized)
}

func TestSignURL_ContainerAndPolicy(t *testing.T) {
	signed, err := signURL("gateway", testutil.AccountKey(t), "https://gw.example.com/prefix", signURLOptions{
		container:   "photos",
		permissions: "rl",
		expiry:      time.Hour,
		policyID:    "uploaders",
	}, time.Now())
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/prefix/photos", u.Path)
	assert.Equal(t, "c", u.Query().Get("sr"))
	assert.Equal(t, "uploaders", u.Query().Get("si"))
	assert.Empty(t, u.Query().Get("sp"), "permissions come from the stored policy")
	assert.Empty(t, u.Query().Get("se"))

	_, err = signURL("gateway", nil, "not a url", signURLOptions{container: "c"}, time.Now())
	assert.Error(t, err)
}

func TestRootCmd(t *testing.T) {
	content, _ := memoryConfig(t, "")
	path := writeConfig(t, content)

	run := func(args ...string) string {
		t.Helper()
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("version"), "blobmesh dev")

	want, _, err := placeBlob([]string{"data0", "data1"}, "cat.jpg")
	require.NoError(t, err)
	assert.Contains(t, run("place", "--config", path, "cat.jpg"), want+" (bucket")

	signed := run("sign-url", "--config", path, "--container", "photos", "--blob", "cat.jpg")
	assert.True(t, strings.HasPrefix(signed, "http://127.0.0.1:10000/photos/cat.jpg?"), signed)
}
