// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Exercise every configured provider once and report its health",
	RunE:  warmupCmdFunc,
}

func warmupCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	app, err := buildApp(ctx, configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	results := app.Providers.Warmup(ctx)
	healths := app.Providers.HealthAll(ctx)

	slots := make([]string, 0, len(results))
	for slot := range results {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATUS\tMODEL\tDEVICE\tWARMUP")
	failed := false
	for _, slot := range slots {
		h := healths[slot]
		outcome := "ok"
		if err := results[slot]; err != nil {
			outcome = err.Error()
			failed = true
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\n",
			slot, h.Status, h.ModelName, h.ModelVersion, h.Device, outcome)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("one or more providers failed warmup")
	}
	return nil
}
