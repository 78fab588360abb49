// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the drm command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/darkroomlabs/darkroom/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "drm",
	DisableAutoGenTag: true,
	Short:             "drm is a local-first photo and video intelligence engine",
	Long: `drm ingests photo and video libraries, derives thumbnails, captions,
embeddings and face detections through local model providers, clusters faces
into persons, and serves semantic search over the result. Everything runs on
this machine; nothing leaves it.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the drm CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to a darkroom env-format config file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(warmupCmd)
	rootCmd.AddCommand(newIndexCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newPersonsCommand())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// configFlag reads the persistent --config value.
func configFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("config")
	return v
}
