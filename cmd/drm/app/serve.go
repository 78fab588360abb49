// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/darkroomlabs/darkroom/pkg/api"
	"github.com/darkroomlabs/darkroom/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task engine and the HTTP API until interrupted",
	RunE:  serveCmdFunc,
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()
	logger.Infow("darkroom starting", "config", app.Config.Redacted())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return app.Engine.Run(groupCtx)
	})
	group.Go(func() error {
		return api.Serve(groupCtx, app.Config.APIAddress, api.Deps{
			Store:      app.Store,
			Artifacts:  app.Artifacts,
			Index:      app.Index,
			Search:     app.Search,
			Engine:     app.Engine,
			Checker:    app.Checker,
			Metrics:    app.Metrics,
			MaxRetries: app.Config.MaxTaskRetries,
		})
	})
	return group.Wait()
}
