// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package debugserver exposes DRONE's read-only HTTP surface: a
// Prometheus /metrics handler plus a /healthz endpoint built on the
// api package's JSON response helpers and the api/health report shape.
package debugserver

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/luxfi/drone/api"
	"github.com/luxfi/drone/api/health"
	"github.com/luxfi/drone/internal/logx"
)

// Server is a small HTTP server wrapping a prometheus.Gatherer-backed
// /metrics handler and a /healthz handler.
type Server struct {
	http *http.Server
	log  *logx.Logger
}

// New builds a Server listening on addr. gatherHandler is typically
// promhttp.HandlerFor(reg, promhttp.HandlerOpts{}); checker reports this
// node's liveness.
func New(addr string, gatherHandler http.Handler, checker health.Checker, log *logx.Logger) *Server {
	registry := health.NewRegistry()
	registry.Register("agent", checker)

	mux := http.NewServeMux()
	mux.Handle("/metrics", gatherHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := registry.Report(r.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		if err := api.WriteJSON(w, status, report); err != nil {
			log.Warn("write health report", zap.Error(err))
		}
	})

	return &Server{
		http: &http.Server{Addr: addr, Handler: mux},
		log:  log,
	}
}

// Serve blocks, listening until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		s.log.Debug("debug server shutting down")
		return s.http.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
