// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the drm CLI.
package main

import (
	"os"

	"github.com/darkroomlabs/darkroom/cmd/drm/app"
	"github.com/darkroomlabs/darkroom/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
