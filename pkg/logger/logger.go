// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the logging capability for darkroom, both for the
// one-shot CLI commands and for the long-running engine.
//
// The package keeps a singleton so call sites can log without threading a
// logger through every constructor. New code that wants injection should use
// [Get] to obtain the underlying logger.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[zap.SugaredLogger]

// level is shared by every logger built here so the verbosity can be adjusted
// after configuration is loaded, without rebuilding call sites.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger(true).Sugar())
}

func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Get returns the underlying *zap.SugaredLogger for injection into structs.
func Get() *zap.SugaredLogger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// SetLevel adjusts the verbosity of the singleton (and every logger built by
// this package). Unknown names leave the level unchanged.
func SetLevel(name string) {
	var l zapcore.Level
	if err := l.Set(name); err != nil {
		return
	}
	level.SetLevel(l)
}

// Sync flushes any buffered log entries. Callers should defer it in main.
func Sync() {
	_ = get().Sync()
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugf logs a formatted message at debug level using the singleton logger.
func Debugf(msg string, args ...any) {
	get().Debugf(msg, args...)
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debugw(msg, keysAndValues...)
}

// Info logs a message at info level using the singleton logger.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level using the singleton logger.
func Infof(msg string, args ...any) {
	get().Infof(msg, args...)
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Infow(msg, keysAndValues...)
}

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a formatted message at warning level using the singleton logger.
func Warnf(msg string, args ...any) {
	get().Warnf(msg, args...)
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warnw(msg, keysAndValues...)
}

// Error logs a message at error level using the singleton logger.
func Error(msg string) {
	get().Error(msg)
}

// Errorf logs a formatted message at error level using the singleton logger.
func Errorf(msg string, args ...any) {
	get().Errorf(msg, args...)
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Errorw(msg, keysAndValues...)
}

// Fatal logs a message at error level using the singleton logger and exits.
func Fatal(msg string) {
	get().Error(msg)
	_ = get().Sync()
	os.Exit(1)
}

// Fatalf logs a formatted message at error level and exits the program.
func Fatalf(msg string, args ...any) {
	get().Errorf(msg, args...)
	_ = get().Sync()
	os.Exit(1)
}

// Fatalw logs a message at error level with key-value pairs and exits.
func Fatalw(msg string, keysAndValues ...any) {
	get().Errorw(msg, keysAndValues...)
	_ = get().Sync()
	os.Exit(1)
}

// Initialize creates and configures the appropriate logger.
// If the DRM_UNSTRUCTURED_LOGS env var is set to false, it emits structured
// JSON; otherwise it emits plain console output. DRM_LOG_LEVEL and the
// --debug flag control verbosity.
func Initialize() {
	initialize(os.Getenv)
}

// initialize applies env-driven settings through an injectable reader so
// tests can exercise the branches without mutating the process environment.
func initialize(getenv func(string) string) {
	if name := getenv("DRM_LOG_LEVEL"); name != "" {
		SetLevel(name)
	}
	if viper.GetBool("debug") {
		level.SetLevel(zapcore.DebugLevel)
	}

	singleton.Store(newLogger(unstructuredLogs(getenv)).Sugar())
}

func newLogger(unstructured bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if unstructured {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

func unstructuredLogs(getenv func(string) string) bool {
	unstructured, err := strconv.ParseBool(getenv("DRM_UNSTRUCTURED_LOGS"))
	if err != nil {
		// Env var unset or unparsable: default to console output, which is
		// what a local-first tool wants on a terminal.
		return true
	}
	return unstructured
}
