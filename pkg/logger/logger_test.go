// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			getenv := func(key string) string {
				assert.Equal(t, "DRM_UNSTRUCTURED_LOGS", key)
				return tt.envValue
			}

			if got := unstructuredLogs(getenv); got != tt.expected {
				t.Errorf("unstructuredLogs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// setSingletonForTest temporarily replaces the singleton logger and restores
// the original when the test completes.
func setSingletonForTest(t *testing.T, l *zap.SugaredLogger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

// TestLogLevels tests that each log function writes through the singleton.
func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name    string
		logFn   func()
		message string
		level   zapcore.Level
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg", zapcore.DebugLevel},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted", zapcore.DebugLevel},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv", zapcore.DebugLevel},
		{"Info", func() { Info("info msg") }, "info msg", zapcore.InfoLevel},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted", zapcore.InfoLevel},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv", zapcore.InfoLevel},
		{"Warn", func() { Warn("warn msg") }, "warn msg", zapcore.WarnLevel},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted", zapcore.WarnLevel},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv", zapcore.WarnLevel},
		{"Error", func() { Error("error msg") }, "error msg", zapcore.ErrorLevel},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted", zapcore.ErrorLevel},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv", zapcore.ErrorLevel},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			setSingletonForTest(t, zap.New(core).Sugar())

			tc.logFn()

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tc.message, entries[0].Message)
			assert.Equal(t, tc.level, entries[0].Level)
		})
	}
}

// TestKeyedFieldsReachContext verifies that ...w variants attach fields.
func TestKeyedFieldsReachContext(t *testing.T) { //nolint:paralleltest // mutates singleton
	core, logs := observer.New(zapcore.DebugLevel)
	setSingletonForTest(t, zap.New(core).Sugar())

	Infow("keyed entry", "asset_id", "a1", "count", 3)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Context, 2)
	assert.Equal(t, "asset_id", entries[0].Context[0].Key)
	assert.Equal(t, "a1", entries[0].Context[0].String)
}

func TestSetLevel(t *testing.T) { //nolint:paralleltest // mutates shared level
	prev := level.Level()
	t.Cleanup(func() { level.SetLevel(prev) })

	SetLevel("error")
	assert.False(t, level.Enabled(zapcore.InfoLevel))
	assert.True(t, level.Enabled(zapcore.ErrorLevel))

	// Unknown names leave the level unchanged.
	SetLevel("not-a-level")
	assert.Equal(t, zapcore.ErrorLevel, level.Level())

	SetLevel("debug")
	assert.True(t, level.Enabled(zapcore.DebugLevel))
}

// TestGet verifies that Get returns the current singleton logger.
func TestGet(t *testing.T) { //nolint:paralleltest // mutates singleton
	core, logs := observer.New(zapcore.InfoLevel)
	l := zap.New(core).Sugar()
	setSingletonForTest(t, l)

	got := Get()
	require.NotNil(t, got)

	got.Info("get test")
	assert.Len(t, logs.FilterMessage("get test").All(), 1)
}

// TestInitialize tests initialize with different env configurations.
func TestInitialize(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name            string
		unstructuredEnv string
	}{
		{"Default (unstructured)", ""},
		{"Explicit unstructured", "true"},
		{"Structured JSON", "false"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			prev := singleton.Load()
			t.Cleanup(func() { singleton.Store(prev) })

			getenv := func(key string) string {
				if key == "DRM_UNSTRUCTURED_LOGS" {
					return tc.unstructuredEnv
				}
				return ""
			}

			initialize(getenv)

			got := singleton.Load()
			require.NotNil(t, got)

			// Verify the logger works by writing a message
			got.Info("test after initialize")
		})
	}
}
