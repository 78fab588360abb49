// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/health"
	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/search"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	base := t.TempDir()

	db, err := store.Open(context.Background(), filepath.Join(base, "test.db"))
	require.NoError(t, err)
	st := store.New(db)
	t.Cleanup(func() { _ = st.Close() })

	art, err := artifacts.New(filepath.Join(base, "derived"))
	require.NoError(t, err)

	embedder := &providers.StubTextEmbedder{}
	idx, err := vecindex.New(vecindex.Meta{
		ModelName:    embedder.ModelInfo().Name,
		ModelVersion: embedder.ModelInfo().Version,
		Dim:          embedder.Dimension(),
	})
	require.NoError(t, err)

	reg := &providers.Registry{
		Thumbnailer:   providers.NewBuiltinThumbnailer(),
		ImageEmbedder: &providers.StubImageEmbedder{},
		TextEmbedder:  embedder,
		FaceEmbedder:  &providers.StubFaceEmbedder{},
	}

	metrics := telemetry.New()
	eng := engine.New(st, metrics, engine.Options{Workers: 1})
	return Router(Deps{
		Store:      st,
		Artifacts:  art,
		Index:      idx,
		Search:     search.NewService(st, idx, embedder, metrics, search.Weights{Alpha: 1}),
		Engine:     eng,
		Checker:    health.NewChecker(st, idx, reg, nil),
		Metrics:    metrics,
		MaxRetries: 3,
	})
}

func TestRouterHealth(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusReady, report.Status)

	// HEAD serves the status without a body.
	req = httptest.NewRequest(http.MethodHead, "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestRouterMounts(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t)
	paths := []string{
		"/api/v1/assets",
		"/api/v1/search?q=sunset",
		"/api/v1/persons",
		"/api/v1/tasks",
		"/metrics",
	}
	for _, p := range paths {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "GET %s", p)
	}
}

func TestRouterUnknownRouteIs404(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
