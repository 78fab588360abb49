// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the application config structure
// and the logic required to load and validate it.
//
// Options form a closed, enumerated set (see options.go). Values are layered:
// defaults, then an optional .env-style file, then DRM_-prefixed environment
// variables; the environment wins. Unknown keys anywhere fail the load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/darkroomlabs/darkroom/pkg/errors"
)

// Config represents the effective configuration of the application.
type Config struct {
	DataDir        string
	DBPath         string
	DerivedPath    string
	IndexPath      string
	OriginalsPaths []string
	APIAddress     string

	WorkerConcurrency      int
	PollInterval           time.Duration
	MaxTaskRetries         int
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	MaxPendingBackpressure int
	ShutdownGrace          time.Duration

	ImageEmbedProvider ProviderRef
	TextEmbedProvider  ProviderRef
	CaptionProfile     ProviderRef
	FaceDetectProvider ProviderRef
	FaceEmbedProvider  ProviderRef
	VideoEnabled       bool

	TAssign  float64
	TMargin  float64
	TCluster float64

	Alpha    float64
	Beta     float64
	Gamma    float64
	TauHours float64

	VectorIndexAutoload bool
	LogLevel            string
	UnstructuredLogs    bool
}

// defaultDataDir generates the default data directory using xdg.
// Replaceable in tests.
var defaultDataDir = func() string {
	return filepath.Join(xdg.DataHome, "darkroom")
}

// DefaultFilePath returns the path probed for the optional config file when
// --config is not given.
func DefaultFilePath() string {
	return filepath.Join(defaultDataDir(), "darkroom.env")
}

// Load reads the configuration from the optional file at filePath (empty
// means probe the default location) layered under the process environment.
func Load(filePath string) (*Config, error) {
	return load(filePath, os.Environ)
}

func load(filePath string, environ func() []string) (*Config, error) {
	if err := checkEnvironKeys(environ()); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for _, key := range knownKeys {
		// Binds e.g. worker_concurrency to DRM_WORKER_CONCURRENCY.
		if err := v.BindEnv(strings.ToLower(key), envPrefix+"_"+key); err != nil {
			return nil, errors.NewInternalError("binding environment", err)
		}
	}

	probed := false
	if filePath == "" {
		filePath = DefaultFilePath()
		probed = true
	}
	if _, err := os.Stat(filePath); err == nil {
		if err := readFile(v, filePath); err != nil {
			return nil, err
		}
	} else if !probed {
		return nil, errors.NewPermanentConfigError(
			fmt.Sprintf("config file %s not readable", filePath), err)
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkEnvironKeys rejects DRM_-prefixed variables outside the option set.
func checkEnvironKeys(environ []string) error {
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix+"_") {
			continue
		}
		key := strings.TrimPrefix(name, envPrefix+"_")
		if !isKnownKey(key) {
			return errors.NewPermanentConfigError(
				fmt.Sprintf("unknown environment variable %s", name), nil)
		}
	}
	return nil
}

// readFile merges an .env-style file into v, rejecting unknown keys. The
// file is parsed into its own viper first so file keys can be distinguished
// from defaults.
func readFile(v *viper.Viper, path string) error {
	fv := viper.New()
	fv.SetConfigFile(path)
	fv.SetConfigType("env")
	if err := fv.ReadInConfig(); err != nil {
		return errors.NewPermanentConfigError(
			fmt.Sprintf("reading config file %s", path), err)
	}
	for _, key := range fv.AllKeys() {
		if !isKnownKey(key) {
			return errors.NewPermanentConfigError(
				fmt.Sprintf("unknown key %s in %s", strings.ToUpper(key), path), nil)
		}
	}
	if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
		return errors.NewPermanentConfigError(
			fmt.Sprintf("merging config file %s", path), err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(strings.ToLower(KeyDataDir), defaultDataDir())
	v.SetDefault(strings.ToLower(KeyDBPath), "")
	v.SetDefault(strings.ToLower(KeyDerivedPath), "")
	v.SetDefault(strings.ToLower(KeyIndexPath), "")
	v.SetDefault(strings.ToLower(KeyOriginalsPaths), "")
	v.SetDefault(strings.ToLower(KeyAPIAddress), "127.0.0.1:8420")
	v.SetDefault(strings.ToLower(KeyWorkerConcurrency), 4)
	v.SetDefault(strings.ToLower(KeyPollIntervalMS), 250)
	v.SetDefault(strings.ToLower(KeyMaxTaskRetries), 5)
	v.SetDefault(strings.ToLower(KeyBackoffBaseMS), 500)
	v.SetDefault(strings.ToLower(KeyBackoffCapMS), 60000)
	v.SetDefault(strings.ToLower(KeyMaxPendingBackpressure), 10000)
	v.SetDefault(strings.ToLower(KeyShutdownGraceMS), 10000)
	v.SetDefault(strings.ToLower(KeyImageEmbedProvider), ProviderStub)
	v.SetDefault(strings.ToLower(KeyTextEmbedProvider), ProviderStub)
	v.SetDefault(strings.ToLower(KeyCaptionProfile), ProviderStub)
	v.SetDefault(strings.ToLower(KeyFaceDetectProvider), ProviderStub)
	v.SetDefault(strings.ToLower(KeyFaceEmbedProvider), ProviderStub)
	v.SetDefault(strings.ToLower(KeyVideoEnabled), false)
	v.SetDefault(strings.ToLower(KeyTAssign), 0.60)
	v.SetDefault(strings.ToLower(KeyTMargin), 0.05)
	v.SetDefault(strings.ToLower(KeyTCluster), 0.55)
	v.SetDefault(strings.ToLower(KeyAlpha), 0.70)
	v.SetDefault(strings.ToLower(KeyBeta), 0.20)
	v.SetDefault(strings.ToLower(KeyGamma), 0.10)
	v.SetDefault(strings.ToLower(KeyTauHours), 720.0)
	v.SetDefault(strings.ToLower(KeyVectorIndexAutoload), true)
	v.SetDefault(strings.ToLower(KeyLogLevel), "info")
	v.SetDefault(strings.ToLower(KeyUnstructuredLogs), true)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:                v.GetString(strings.ToLower(KeyDataDir)),
		DBPath:                 v.GetString(strings.ToLower(KeyDBPath)),
		DerivedPath:            v.GetString(strings.ToLower(KeyDerivedPath)),
		IndexPath:              v.GetString(strings.ToLower(KeyIndexPath)),
		OriginalsPaths:         splitPaths(v.GetString(strings.ToLower(KeyOriginalsPaths))),
		APIAddress:             v.GetString(strings.ToLower(KeyAPIAddress)),
		WorkerConcurrency:      v.GetInt(strings.ToLower(KeyWorkerConcurrency)),
		PollInterval:           time.Duration(v.GetInt(strings.ToLower(KeyPollIntervalMS))) * time.Millisecond,
		MaxTaskRetries:         v.GetInt(strings.ToLower(KeyMaxTaskRetries)),
		BackoffBase:            time.Duration(v.GetInt(strings.ToLower(KeyBackoffBaseMS))) * time.Millisecond,
		BackoffCap:             time.Duration(v.GetInt(strings.ToLower(KeyBackoffCapMS))) * time.Millisecond,
		MaxPendingBackpressure: v.GetInt(strings.ToLower(KeyMaxPendingBackpressure)),
		ShutdownGrace:          time.Duration(v.GetInt(strings.ToLower(KeyShutdownGraceMS))) * time.Millisecond,
		VideoEnabled:           v.GetBool(strings.ToLower(KeyVideoEnabled)),
		TAssign:                v.GetFloat64(strings.ToLower(KeyTAssign)),
		TMargin:                v.GetFloat64(strings.ToLower(KeyTMargin)),
		TCluster:               v.GetFloat64(strings.ToLower(KeyTCluster)),
		Alpha:                  v.GetFloat64(strings.ToLower(KeyAlpha)),
		Beta:                   v.GetFloat64(strings.ToLower(KeyBeta)),
		Gamma:                  v.GetFloat64(strings.ToLower(KeyGamma)),
		TauHours:               v.GetFloat64(strings.ToLower(KeyTauHours)),
		VectorIndexAutoload:    v.GetBool(strings.ToLower(KeyVectorIndexAutoload)),
		LogLevel:               v.GetString(strings.ToLower(KeyLogLevel)),
		UnstructuredLogs:       v.GetBool(strings.ToLower(KeyUnstructuredLogs)),
	}

	// Paths not set explicitly hang off the data directory.
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "darkroom.db")
	}
	if cfg.DerivedPath == "" {
		cfg.DerivedPath = filepath.Join(cfg.DataDir, "derived")
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.DataDir, "index", "image.vx")
	}

	refs := []struct {
		key      string
		dst      *ProviderRef
		allowOff bool
	}{
		{KeyImageEmbedProvider, &cfg.ImageEmbedProvider, false},
		{KeyTextEmbedProvider, &cfg.TextEmbedProvider, false},
		{KeyCaptionProfile, &cfg.CaptionProfile, true},
		{KeyFaceDetectProvider, &cfg.FaceDetectProvider, true},
		{KeyFaceEmbedProvider, &cfg.FaceEmbedProvider, false},
	}
	for _, r := range refs {
		ref, err := ParseProviderRef(v.GetString(strings.ToLower(r.key)), r.allowOff)
		if err != nil {
			return nil, errors.NewPermanentConfigError(fmt.Sprintf("%s: %v", r.key, err), nil)
		}
		*r.dst = ref
	}

	return cfg, nil
}

func splitPaths(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	paths := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Validate checks ranges and cross-field constraints. It fails fast on the
// first violation so startup errors stay readable.
func (c *Config) Validate() error {
	bad := func(key, msg string) error {
		return errors.NewPermanentConfigError(fmt.Sprintf("%s: %s", key, msg), nil)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 256 {
		return bad(KeyWorkerConcurrency, "must be in 1..256")
	}
	if c.PollInterval < 10*time.Millisecond || c.PollInterval > time.Minute {
		return bad(KeyPollIntervalMS, "must be in 10..60000")
	}
	if c.MaxTaskRetries < 0 || c.MaxTaskRetries > 20 {
		return bad(KeyMaxTaskRetries, "must be in 0..20")
	}
	if c.BackoffBase <= 0 {
		return bad(KeyBackoffBaseMS, "must be positive")
	}
	if c.BackoffCap < c.BackoffBase {
		return bad(KeyBackoffCapMS, "must be >= BACKOFF_BASE_MS")
	}
	if c.MaxPendingBackpressure < 1 {
		return bad(KeyMaxPendingBackpressure, "must be positive")
	}
	if c.ShutdownGrace < 0 {
		return bad(KeyShutdownGraceMS, "must not be negative")
	}

	thresholds := []struct {
		key string
		val float64
	}{
		{KeyTAssign, c.TAssign},
		{KeyTMargin, c.TMargin},
		{KeyTCluster, c.TCluster},
	}
	for _, t := range thresholds {
		if t.val < 0 || t.val > 1 {
			return bad(t.key, "must be in 0..1")
		}
	}

	weights := []struct {
		key string
		val float64
	}{
		{KeyAlpha, c.Alpha},
		{KeyBeta, c.Beta},
		{KeyGamma, c.Gamma},
	}
	for _, w := range weights {
		if w.val < 0 {
			return bad(w.key, "must not be negative")
		}
	}
	if c.Alpha+c.Beta+c.Gamma <= 0 {
		return bad(KeyAlpha, "score weights must not all be zero")
	}
	if c.TauHours <= 0 {
		return bad(KeyTauHours, "must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return bad(KeyLogLevel, "must be one of debug, info, warn, error")
	}
	return nil
}

// Redacted returns the effective settings for logging at startup. Provider
// command lines are collapsed so credentials in arguments never reach logs.
func (c *Config) Redacted() map[string]string {
	return map[string]string{
		KeyDataDir:                c.DataDir,
		KeyDBPath:                 c.DBPath,
		KeyDerivedPath:            c.DerivedPath,
		KeyIndexPath:              c.IndexPath,
		KeyOriginalsPaths:         strings.Join(c.OriginalsPaths, ","),
		KeyAPIAddress:             c.APIAddress,
		KeyWorkerConcurrency:      fmt.Sprintf("%d", c.WorkerConcurrency),
		KeyPollIntervalMS:         fmt.Sprintf("%d", c.PollInterval.Milliseconds()),
		KeyMaxTaskRetries:         fmt.Sprintf("%d", c.MaxTaskRetries),
		KeyBackoffBaseMS:          fmt.Sprintf("%d", c.BackoffBase.Milliseconds()),
		KeyBackoffCapMS:           fmt.Sprintf("%d", c.BackoffCap.Milliseconds()),
		KeyMaxPendingBackpressure: fmt.Sprintf("%d", c.MaxPendingBackpressure),
		KeyShutdownGraceMS:        fmt.Sprintf("%d", c.ShutdownGrace.Milliseconds()),
		KeyImageEmbedProvider:     c.ImageEmbedProvider.Redacted(),
		KeyTextEmbedProvider:      c.TextEmbedProvider.Redacted(),
		KeyCaptionProfile:         c.CaptionProfile.Redacted(),
		KeyFaceDetectProvider:     c.FaceDetectProvider.Redacted(),
		KeyFaceEmbedProvider:      c.FaceEmbedProvider.Redacted(),
		KeyVideoEnabled:           fmt.Sprintf("%t", c.VideoEnabled),
		KeyTAssign:                fmt.Sprintf("%g", c.TAssign),
		KeyTMargin:                fmt.Sprintf("%g", c.TMargin),
		KeyTCluster:               fmt.Sprintf("%g", c.TCluster),
		KeyAlpha:                  fmt.Sprintf("%g", c.Alpha),
		KeyBeta:                   fmt.Sprintf("%g", c.Beta),
		KeyGamma:                  fmt.Sprintf("%g", c.Gamma),
		KeyTauHours:               fmt.Sprintf("%g", c.TauHours),
		KeyVectorIndexAutoload:    fmt.Sprintf("%t", c.VectorIndexAutoload),
		KeyLogLevel:               c.LogLevel,
		KeyUnstructuredLogs:       fmt.Sprintf("%t", c.UnstructuredLogs),
	}
}
