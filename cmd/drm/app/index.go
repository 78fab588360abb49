// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newIndexCommand() *cobra.Command {
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Vector index administration",
	}
	indexCmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the image index from the store and persist the snapshot",
		RunE:  indexRebuildCmdFunc,
	})
	return indexCmd
}

func indexRebuildCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	var bar *progressbar.ProgressBar
	err = app.Pipeline.RebuildIndex(ctx, func(done, total int64) {
		if bar == nil {
			bar = progressbar.Default(total, "rebuilding")
		}
		_ = bar.Set64(done)
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	fmt.Printf("index rebuilt: %d vectors\n", app.Index.Size())
	return nil
}
