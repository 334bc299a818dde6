// Package gateway is the HTTP front end. It authenticates blob-service
// requests against the gateway account, resolves the backing account through
// the namespace, and proxies the request there re-signed with that account's
// key.
package gateway

import (
	"context"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/accounts"
	"github.com/tunnelmesh/blobmesh/internal/auth"
	"github.com/tunnelmesh/blobmesh/internal/logging/audit"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/namespace"
	"github.com/tunnelmesh/blobmesh/internal/queue"
)

// HeaderRequestID carries the gateway's own request ID on every response.
// Backing accounts set x-ms-request-id themselves.
const HeaderRequestID = "x-blobmesh-request-id"

// Authenticator verifies inbound requests.
type Authenticator interface {
	Authenticate(ctx context.Context, req *auth.Request, opts auth.Options) auth.Decision
}

// Trigger is notified after blob writes and deletes succeed upstream.
type Trigger interface {
	AfterWrite(ctx context.Context, e *namespace.Entry) error
	AfterDelete(ctx context.Context, e *namespace.Entry) error
}

// Config configures a Server.
type Config struct {
	Authenticator Authenticator
	Resolver      *namespace.Resolver
	Accounts      *accounts.Registry
	Trigger       Trigger           // optional
	Transport     http.RoundTripper // optional; http.DefaultTransport when nil

	Logger  zerolog.Logger
	Metrics *metrics.GatewayMetrics
	Audit   *audit.Logger
}

// Server is the gateway http.Handler.
type Server struct {
	auth     Authenticator
	resolver *namespace.Resolver
	accounts *accounts.Registry
	trigger  Trigger
	signer   *auth.Signer
	proxy    *httputil.ReverseProxy
	logger   zerolog.Logger
	metrics  *metrics.GatewayMetrics
	audit    *audit.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) *Server {
	s := &Server{
		auth:     cfg.Authenticator,
		resolver: cfg.Resolver,
		accounts: cfg.Accounts,
		trigger:  cfg.Trigger,
		signer:   auth.NewSigner(),
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite:      s.rewrite,
		Transport:    cfg.Transport,
		ErrorHandler: s.proxyError,
	}
	return s
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not safe for concurrent use; one per request.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if code >= 100 && code < 200 {
		// Informational responses pass through unrecorded.
		r.ResponseWriter.WriteHeader(code)
		return
	}
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets streamed downloads through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func succeeded(status int) bool {
	return status >= 200 && status < 300
}

// ServeHTTP authenticates, routes and proxies one request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	requestID := queue.NewCorrelationID()
	ctx := queue.WithCorrelationID(s.logger.WithContext(r.Context()), requestID)
	r = r.WithContext(ctx)
	rec.Header().Set(HeaderRequestID, requestID)

	req := auth.RequestFromHTTP(r)
	op := operationName(r.Method, req.Level())
	var account string
	defer func() {
		status := rec.getStatus()
		s.metrics.ObserveRequest(op, status, time.Since(start))
		s.audit.LogBlobOp(op, req.Container, req.Blob, account, status, r.RemoteAddr)
	}()

	decision := s.auth.Authenticate(ctx, req, auth.Options{})
	if !decision.Authorized {
		writeAuthError(rec, decision)
		return
	}

	if req.Level() != auth.LevelBlob {
		account = s.defaultAccount().Name
		s.forward(rec, r, s.defaultAccount(), decision.Scheme)
		return
	}

	key := namespace.Key{Container: req.Container, Blob: req.Blob}
	logger := zerolog.Ctx(ctx).With().
		Str("method", r.Method).
		Str("container", key.Container).
		Str("blob", key.Blob).
		Logger()

	var (
		entry *namespace.Entry
		err   error
	)
	// A snapshot lives on its base blob's account; deleting one leaves the
	// base entry alone.
	_, snapshot := req.Query["snapshot"]
	deleting := r.Method == http.MethodDelete && !snapshot
	if r.Method == http.MethodPut {
		entry, err = s.resolver.ResolveWrite(ctx, key)
	} else {
		entry, err = s.resolver.ResolveRead(ctx, key)
	}
	if err != nil {
		logger.Debug().Err(err).Msg("namespace resolution failed")
		writeNamespaceError(rec, err)
		return
	}
	account = entry.Account

	target, err := s.accounts.Lookup(entry.Account)
	if err != nil {
		logger.Error().Err(err).Str("account", entry.Account).Msg("resolved account not configured")
		writeNamespaceError(rec, err)
		return
	}

	s.forward(rec, r, target, decision.Scheme)
	if !succeeded(rec.getStatus()) {
		return
	}

	// The entry is marked only once the primary copy is gone, so a rejected
	// delete leaves the blob readable.
	if deleting {
		marked, err := s.resolver.MarkForDeletion(ctx, key)
		if err != nil {
			logger.Error().Err(err).Msg("mark for deletion failed after upstream delete")
			return
		}
		entry = marked
	}
	if s.trigger == nil {
		return
	}

	switch {
	case r.Method == http.MethodPut && replicatedWrite(req.Query.Get("comp")):
		if err := s.trigger.AfterWrite(ctx, entry); err != nil {
			logger.Warn().Err(err).Msg("replication trigger failed")
		}
	case deleting:
		if err := s.trigger.AfterDelete(ctx, entry); err != nil {
			logger.Warn().Err(err).Msg("replica cleanup trigger failed")
		}
	}
}

// defaultAccount serves container and service level operations.
func (s *Server) defaultAccount() accounts.Account {
	return s.accounts.Data()[0]
}

// replicatedWrite reports whether a PUT with this comp value commits blob
// content or properties. Uncommitted blocks, leases and snapshots do not.
func replicatedWrite(comp string) bool {
	switch comp {
	case "", "blocklist", "page", "appendblock", "metadata", "properties", "tier":
		return true
	default:
		return false
	}
}

func operationName(method string, level auth.Level) string {
	switch level {
	case auth.LevelBlob:
		switch method {
		case http.MethodGet:
			return "GetBlob"
		case http.MethodHead:
			return "GetBlobProperties"
		case http.MethodPut:
			return "PutBlob"
		case http.MethodDelete:
			return "DeleteBlob"
		default:
			return "BlobOther"
		}
	case auth.LevelContainer:
		return "ContainerOperation"
	default:
		return "ServiceOperation"
	}
}
