// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Option keys. The set is closed: a key in the config file or a DRM_-prefixed
// environment variable outside this list fails loading.
const (
	KeyDataDir                = "DATA_DIR"
	KeyDBPath                 = "DB_PATH"
	KeyDerivedPath            = "DERIVED_PATH"
	KeyIndexPath              = "INDEX_PATH"
	KeyOriginalsPaths         = "ORIGINALS_PATHS"
	KeyAPIAddress             = "API_ADDRESS"
	KeyWorkerConcurrency      = "WORKER_CONCURRENCY"
	KeyPollIntervalMS         = "POLL_INTERVAL_MS"
	KeyMaxTaskRetries         = "MAX_TASK_RETRIES"
	KeyBackoffBaseMS          = "BACKOFF_BASE_MS"
	KeyBackoffCapMS           = "BACKOFF_CAP_MS"
	KeyMaxPendingBackpressure = "MAX_PENDING_BACKPRESSURE"
	KeyShutdownGraceMS        = "SHUTDOWN_GRACE_MS"
	KeyImageEmbedProvider     = "IMAGE_EMBED_PROVIDER"
	KeyTextEmbedProvider      = "TEXT_EMBED_PROVIDER"
	KeyCaptionProfile         = "CAPTION_PROFILE"
	KeyFaceDetectProvider     = "FACE_DETECT_PROVIDER"
	KeyFaceEmbedProvider      = "FACE_EMBED_PROVIDER"
	KeyVideoEnabled           = "VIDEO_ENABLED"
	KeyTAssign                = "T_ASSIGN"
	KeyTMargin                = "T_MARGIN"
	KeyTCluster               = "T_CLUSTER"
	KeyAlpha                  = "ALPHA"
	KeyBeta                   = "BETA"
	KeyGamma                  = "GAMMA"
	KeyTauHours               = "TAU_HOURS"
	KeyVectorIndexAutoload    = "VECTOR_INDEX_AUTOLOAD"
	KeyLogLevel               = "LOG_LEVEL"
	KeyUnstructuredLogs       = "UNSTRUCTURED_LOGS"
)

// envPrefix is prepended (with an underscore) to every key to form its
// environment variable mirror, e.g. DRM_WORKER_CONCURRENCY.
const envPrefix = "DRM"

// knownKeys is the closed option set, in documentation order.
var knownKeys = []string{
	KeyDataDir,
	KeyDBPath,
	KeyDerivedPath,
	KeyIndexPath,
	KeyOriginalsPaths,
	KeyAPIAddress,
	KeyWorkerConcurrency,
	KeyPollIntervalMS,
	KeyMaxTaskRetries,
	KeyBackoffBaseMS,
	KeyBackoffCapMS,
	KeyMaxPendingBackpressure,
	KeyShutdownGraceMS,
	KeyImageEmbedProvider,
	KeyTextEmbedProvider,
	KeyCaptionProfile,
	KeyFaceDetectProvider,
	KeyFaceEmbedProvider,
	KeyVideoEnabled,
	KeyTAssign,
	KeyTMargin,
	KeyTCluster,
	KeyAlpha,
	KeyBeta,
	KeyGamma,
	KeyTauHours,
	KeyVectorIndexAutoload,
	KeyLogLevel,
	KeyUnstructuredLogs,
}

func isKnownKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, k := range knownKeys {
		if k == upper {
			return true
		}
	}
	return false
}

// Provider reference kinds.
const (
	// ProviderStub selects the deterministic built-in provider.
	ProviderStub = "stub"
	// ProviderOff disables the pipeline stage entirely.
	ProviderOff = "off"
	// providerSubprocessPrefix selects an external model runner; the rest of
	// the value is the command line to spawn.
	providerSubprocessPrefix = "subprocess:"
)

// ProviderRef is a parsed provider selection: either a built-in kind or a
// subprocess command line.
type ProviderRef struct {
	Kind    string // stub | off | subprocess
	Command string // set only for subprocess refs
}

// ParseProviderRef parses a provider option value. allowOff controls whether
// "off" is accepted (captioning and face detection can be disabled; the
// embedders cannot).
func ParseProviderRef(value string, allowOff bool) (ProviderRef, error) {
	switch {
	case value == ProviderStub:
		return ProviderRef{Kind: ProviderStub}, nil
	case value == ProviderOff:
		if !allowOff {
			return ProviderRef{}, fmt.Errorf("%q cannot be disabled", value)
		}
		return ProviderRef{Kind: ProviderOff}, nil
	case strings.HasPrefix(value, providerSubprocessPrefix):
		cmd := strings.TrimSpace(strings.TrimPrefix(value, providerSubprocessPrefix))
		if cmd == "" {
			return ProviderRef{}, fmt.Errorf("subprocess provider needs a command")
		}
		return ProviderRef{Kind: "subprocess", Command: cmd}, nil
	default:
		return ProviderRef{}, fmt.Errorf("unknown provider %q (want stub, off or subprocess:<cmd>)", value)
	}
}

// Off reports whether the ref disables its stage.
func (r ProviderRef) Off() bool {
	return r.Kind == ProviderOff
}

// Redacted renders the ref for logs. Subprocess command lines can carry
// credentials in their arguments, so only the executable name survives.
func (r ProviderRef) Redacted() string {
	if r.Kind != "subprocess" {
		return r.Kind
	}
	fields := strings.Fields(r.Command)
	if len(fields) == 0 {
		return "subprocess:"
	}
	base := filepath.Base(fields[0])
	if len(fields) == 1 {
		return "subprocess:" + base
	}
	return "subprocess:" + base + " [args redacted]"
}
