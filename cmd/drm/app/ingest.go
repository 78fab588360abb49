// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/darkroomlabs/darkroom/pkg/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Scan the originals roots once and enqueue derivations",
	RunE:  ingestCmdFunc,
}

func init() {
	ingestCmd.Flags().StringArray("root", nil,
		"Root to scan (repeatable; defaults to the configured originals paths)")
}

func ingestCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roots, _ := cmd.Flags().GetStringArray("root")

	app, err := buildApp(ctx, configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("scanning"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
	)
	app.Scanner.OnFile = func(_ string, _ ingest.Result) {
		_ = bar.Add(1)
	}

	res, err := app.Scanner.Scan(ctx, roots)
	_ = bar.Finish()
	fmt.Println()
	if res != nil {
		fmt.Printf("scanned:     %d\n", res.Scanned)
		fmt.Printf("new:         %d\n", res.New)
		fmt.Printf("moved:       %d\n", res.Moved)
		fmt.Printf("reactivated: %d\n", res.Reactivated)
		fmt.Printf("unchanged:   %d\n", res.Unchanged)
		fmt.Printf("missing:     %d\n", res.Missing)
		fmt.Printf("failed:      %d\n", res.Failed)
	}
	return err
}
