package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/blobmesh/internal/admin"
	"github.com/tunnelmesh/blobmesh/internal/config"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/svc"
)

const shutdownTimeout = 15 * time.Second

// runServe runs the gateway until ctx is cancelled.
func runServe(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	stopLogging := configureLogging(cfg, svc.ModeServe)
	defer stopLogging()

	m := metrics.InitGatewayMetrics(svc.ModeServe, Version)
	a, err := newApp(ctx, cfg, log.Logger, m)
	if err != nil {
		return err
	}
	defer a.Close()

	stopAdmin, err := startAdmin(cfg, a, svc.ModeServe)
	if err != nil {
		return err
	}
	defer stopAdmin()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           a.gateway(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", ln.Addr().String()).
			Str("account", cfg.Account.Name).
			Strs("data_accounts", cfg.DataAccountNames()).
			Bool("replication", cfg.Replication.Enabled).
			Msg("gateway listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down gateway")
		return srv.Shutdown(shutdownCtx)
	})

	// Nothing else can drain an in-process queue, so serve runs the
	// dispatcher itself.
	if d := a.dispatcher(); d != nil && cfg.Replication.Queue.Backend == "memory" {
		g.Go(func() error {
			return d.Run(gctx)
		})
	}

	return g.Wait()
}

// runWorker runs the replication dispatcher until ctx is cancelled.
func runWorker(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := checkWorkerConfig(cfg); err != nil {
		return err
	}
	stopLogging := configureLogging(cfg, svc.ModeWorker)
	defer stopLogging()

	m := metrics.InitGatewayMetrics(svc.ModeWorker, Version)
	a, err := newApp(ctx, cfg, log.Logger, m)
	if err != nil {
		return err
	}
	defer a.Close()

	stopAdmin, err := startAdmin(cfg, a, svc.ModeWorker)
	if err != nil {
		return err
	}
	defer stopAdmin()

	log.Info().
		Str("queue", cfg.Replication.Queue.Name).
		Str("dead_letter", cfg.Replication.Queue.DeadLetterName).
		Msg("replication worker starting")
	return a.dispatcher().Run(ctx)
}

// checkWorkerConfig rejects configurations a standalone worker cannot serve.
func checkWorkerConfig(cfg *config.Config) error {
	if !cfg.Replication.Enabled {
		return errors.New("replication is disabled; the worker has nothing to do")
	}
	if cfg.Replication.Queue.Backend == "memory" {
		return errors.New("the memory queue only exists inside a serve process; use the azure backend for workers")
	}
	return nil
}

// startAdmin serves health and metrics on metrics_listen when it is set.
func startAdmin(cfg *config.Config, a *app, mode string) (func(), error) {
	if cfg.MetricsListen == "" {
		return func() {}, nil
	}
	srv := admin.NewAdminServer(admin.Config{
		Namespace: a.store,
		Mode:      mode,
		Version:   Version,
		Logger:    log.Logger,
	})
	if err := srv.Start(cfg.MetricsListen); err != nil {
		return nil, fmt.Errorf("admin server: %w", err)
	}
	return func() {
		if err := srv.Stop(); err != nil {
			log.Warn().Err(err).Msg("admin server shutdown")
		}
	}, nil
}
