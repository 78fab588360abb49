// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the REST server: routing, middleware, and the
// serve/shutdown loop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	v1 "github.com/darkroomlabs/darkroom/pkg/api/v1"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/health"
	"github.com/darkroomlabs/darkroom/pkg/logger"
	"github.com/darkroomlabs/darkroom/pkg/search"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Deps carries everything the routers need.
type Deps struct {
	Store      *store.Store
	Artifacts  *artifacts.Store
	Index      *vecindex.Index
	Search     *search.Service
	Engine     *engine.Engine
	Checker    *health.Checker
	Metrics    *telemetry.Metrics
	MaxRetries int
}

// Router assembles the full handler tree.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	routers := map[string]http.Handler{
		"/health":         healthRouter(deps.Checker),
		"/metrics":        deps.Metrics.Handler(),
		"/api/v1/assets":  v1.AssetsRouter(deps.Store, deps.Artifacts, deps.Search),
		"/api/v1/search":  v1.SearchRouter(deps.Search),
		"/api/v1/persons": v1.PersonsRouter(deps.Store),
		"/api/v1/faces":   v1.FacesRouter(deps.Store),
		"/api/v1/tasks":   v1.TasksRouter(deps.Store, deps.Engine),
		"/api/v1/ingest":  v1.IngestRouter(deps.Store, deps.MaxRetries),
		"/api/v1/index":   v1.IndexRouter(deps.Store, deps.Index, deps.MaxRetries),
		"/api/v1/cluster": v1.ClusterRouter(deps.Store, deps.MaxRetries),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve runs the API server on addr until ctx is cancelled, then shuts it
// down gracefully. The caller owns signal handling.
func Serve(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	logger.Infow("api server starting", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	logger.Infow("api server stopped")
	return nil
}

// headersMiddleware sets the JSON content type on every API response.
func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// healthRouter serves the unversioned health endpoint: 200 while the system
// can serve (ready or degraded), 503 when it cannot.
func healthRouter(checker *health.Checker) http.Handler {
	r := chi.NewRouter()
	serve := func(w http.ResponseWriter, req *http.Request) {
		report := checker.Check(req.Context())
		status := http.StatusOK
		if report.Status == health.StatusUnavailable {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if req.Method != http.MethodHead {
			_ = json.NewEncoder(w).Encode(report)
		}
	}
	r.Get("/", serve)
	r.Head("/", serve)
	return r
}
