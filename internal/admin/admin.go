// Package admin serves the operator endpoints: health, Prometheus metrics and
// a namespace lookup for debugging placement.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/namespace"
)

// Config configures an AdminServer.
type Config struct {
	Namespace namespace.Store // optional; enables /namespace
	Mode      string
	Version   string
	Logger    zerolog.Logger
}

// AdminServer provides the plain-HTTP admin interface. It should listen on a
// private address.
type AdminServer struct {
	server *http.Server
	mux    *http.ServeMux
	ns     namespace.Store
	mode   string
	ver    string
	logger zerolog.Logger
}

// NewAdminServer creates a new admin server.
func NewAdminServer(cfg Config) *AdminServer {
	s := &AdminServer{
		mux:    http.NewServeMux(),
		ns:     cfg.Namespace,
		mode:   cfg.Mode,
		ver:    cfg.Version,
		logger: cfg.Logger.With().Str("component", "admin").Logger(),
	}
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	if s.ns != nil {
		s.mux.HandleFunc("/namespace", s.namespaceHandler)
	}
	return s
}

// Handler returns the admin mux.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background. The listener is bound
// before Start returns so address errors surface to the caller.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Mode    string `json:"mode,omitempty"`
	Version string `json:"version,omitempty"`
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Mode: s.mode, Version: s.ver})
}

type namespaceResponse struct {
	Container         string   `json:"container"`
	Blob              string   `json:"blob"`
	Persisted         bool     `json:"persisted"`
	Exists            bool     `json:"exists"`
	Account           string   `json:"account,omitempty"`
	MarkedForDeletion bool     `json:"marked_for_deletion,omitempty"`
	Replicas          []string `json:"replicas,omitempty"`
}

// namespaceHandler reports the durable entry for ?container=&blob=.
func (s *AdminServer) namespaceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := namespace.Key{Container: r.URL.Query().Get("container"), Blob: r.URL.Query().Get("blob")}
	if key.Container == "" || key.Blob == "" {
		http.Error(w, "container and blob are required", http.StatusBadRequest)
		return
	}

	entry, err := s.ns.Load(r.Context(), key)
	if err != nil {
		s.logger.Warn().Err(err).Str("container", key.Container).Str("blob", key.Blob).Msg("namespace lookup failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, namespaceResponse{
		Container:         key.Container,
		Blob:              key.Blob,
		Persisted:         entry.Persisted(),
		Exists:            entry.Exists(),
		Account:           entry.Account,
		MarkedForDeletion: entry.MarkedForDeletion,
		Replicas:          entry.Replicas,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
