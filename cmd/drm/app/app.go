// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	"github.com/darkroomlabs/darkroom/pkg/cluster"
	"github.com/darkroomlabs/darkroom/pkg/config"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/health"
	"github.com/darkroomlabs/darkroom/pkg/ingest"
	"github.com/darkroomlabs/darkroom/pkg/logger"
	"github.com/darkroomlabs/darkroom/pkg/pipeline"
	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/search"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

// lockFileName is the single-process lock under the data directory. Two
// processes sharing one store would defeat the claim primitive's
// single-writer assumption.
const lockFileName = "darkroom.lock"

// App is the fully wired engine: every long-lived component, constructed
// once per process.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Artifacts *artifacts.Store
	Providers *providers.Registry
	Index     *vecindex.Index
	Cluster   *cluster.Service
	Scanner   *ingest.Scanner
	Engine    *engine.Engine
	Pipeline  *pipeline.Pipeline
	Search    *search.Service
	Checker   *health.Checker
	Metrics   *telemetry.Metrics

	lock *flock.Flock
}

// buildApp wires the whole system from configuration. The data directory
// lock is taken here; a second process against the same data dir fails
// fast instead of corrupting queue semantics.
func buildApp(ctx context.Context, configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring data dir lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data dir %s is in use by another darkroom process", cfg.DataDir)
	}

	app := &App{Config: cfg, lock: lock}
	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	st := store.New(db)
	a.Store = st

	art, err := artifacts.New(cfg.DerivedPath)
	if err != nil {
		return err
	}
	a.Artifacts = art

	reg, err := providers.NewRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	a.Providers = reg

	a.Metrics = telemetry.New()

	im := reg.ImageEmbedder.ModelInfo()
	index, err := vecindex.New(vecindex.Meta{
		ModelName:    im.Name,
		ModelVersion: im.Version,
		Dim:          reg.ImageEmbedder.Dimension(),
	})
	if err != nil {
		return err
	}
	a.Index = index
	if cfg.VectorIndexAutoload {
		a.loadIndexSnapshot()
	}

	a.Cluster = cluster.NewService(st, a.Metrics, cluster.Thresholds{
		Assign:  cfg.TAssign,
		Margin:  cfg.TMargin,
		Cluster: cfg.TCluster,
	})
	a.Scanner = ingest.NewScanner(st, art, reg, a.Metrics, cfg)

	a.Engine = engine.New(st, a.Metrics, engine.Options{
		Workers:       cfg.WorkerConcurrency,
		PollInterval:  cfg.PollInterval,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		ShutdownGrace: cfg.ShutdownGrace,
	})
	a.Pipeline = pipeline.New(st, art, reg, index, a.Cluster, a.Scanner, a.Metrics, cfg)
	a.Pipeline.RegisterHandlers(a.Engine)

	a.Search = search.NewService(st, index, reg.TextEmbedder, a.Metrics, search.Weights{
		Alpha: cfg.Alpha,
		Beta:  cfg.Beta,
		Gamma: cfg.Gamma,
		Tau:   tauDuration(cfg.TauHours),
	})
	a.Checker = health.NewChecker(st, index, reg, a.Engine)
	return nil
}

// loadIndexSnapshot restores the persisted index if it exists and matches
// the configured model; a mismatched or corrupt snapshot is discarded and
// the index starts empty until the next rebuild.
func (a *App) loadIndexSnapshot() {
	err := a.Index.Load(a.Config.IndexPath)
	switch {
	case err == nil:
		logger.Infow("vector index loaded",
			"path", a.Config.IndexPath, "vectors", a.Index.Size())
		a.Metrics.VectorIndexSize.Set(float64(a.Index.Size()))
	case errors.IsNotFound(err):
		logger.Debugw("no index snapshot yet", "path", a.Config.IndexPath)
	default:
		logger.Warnw("index snapshot unusable, starting empty",
			"path", a.Config.IndexPath, "error", err)
	}
}

// Close releases everything in reverse wiring order.
func (a *App) Close() {
	if a.Providers != nil {
		a.Providers.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logger.Warnw("closing store", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			logger.Warnw("releasing data dir lock", "error", err)
		}
	}
}

func tauDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
