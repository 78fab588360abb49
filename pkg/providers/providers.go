// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package providers defines the adapter contracts the pipeline invokes for
// model work: thumbnailing, image/text/face embedding, captioning and face
// detection.
//
// The core never hard-codes a model. Each slot is resolved from
// configuration into either the deterministic stub set or an out-of-process
// model runner, and every call returns taxonomy errors so the task engine
// can decide between retry and dead-letter.
package providers

import (
	"context"
	"time"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/vecmath"
)

// Status is the coarse availability of one provider.
type Status string

// Provider statuses.
const (
	StatusReady       Status = "ready"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Health is a provider's self-report.
type Health struct {
	Status       Status `json:"status"`
	ModelName    string `json:"model_name,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
	Device       string `json:"device,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// ModelInfo names the model behind a provider. Embedding rows are keyed by
// it, so two providers reporting the same info must be interchangeable.
type ModelInfo struct {
	Name    string
	Version string
	Device  string
}

// FaceBox is one detection: a pixel-space bounding box plus confidence.
type FaceBox struct {
	X, Y, W, H float64
	Score      float64
}

// Thumbnailer renders a JPEG bounded by maxEdge on its longest side.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, img []byte, maxEdge int) ([]byte, error)
	Health(ctx context.Context) Health
}

// ImageEmbedder maps an image to an L2-normalized vector.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, img []byte) ([]float32, error)
	Dimension() int
	ModelInfo() ModelInfo
	Health(ctx context.Context) Health
}

// TextEmbedder maps UTF-8 text to an L2-normalized vector. For cross-modal
// search it must share the embedding space (and dimension) of the image
// embedder.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelInfo() ModelInfo
	Health(ctx context.Context) Health
}

// Captioner produces a short natural-language description of an image.
type Captioner interface {
	Caption(ctx context.Context, img []byte) (string, error)
	ModelInfo() ModelInfo
	Health(ctx context.Context) Health
}

// FaceDetector finds faces in an image. No faces is an empty slice, not an
// error; an undecodable image is a permanent error.
type FaceDetector interface {
	DetectFaces(ctx context.Context, img []byte) ([]FaceBox, error)
	ModelInfo() ModelInfo
	Health(ctx context.Context) Health
}

// FaceEmbedder maps a face crop to an L2-normalized vector.
type FaceEmbedder interface {
	EmbedFace(ctx context.Context, crop []byte) ([]float32, error)
	Dimension() int
	ModelInfo() ModelInfo
	Health(ctx context.Context) Health
}

// Keyframer extracts still frames from a video at a fixed interval.
type Keyframer interface {
	Keyframes(ctx context.Context, video []byte, every time.Duration) ([][]byte, error)
	Health(ctx context.Context) Health
}

// checkedVector enforces the embedding output contract: the right dimension
// and a non-zero norm, re-normalized so downstream inner products are
// cosines regardless of provider sloppiness.
func checkedVector(vec []float32, dim int) ([]float32, error) {
	if len(vec) != dim {
		return nil, errors.NewTransientProviderError(
			"embedder returned a vector of the wrong dimension", nil)
	}
	if vecmath.Norm(vec) == 0 {
		return nil, errors.NewPermanentDecodeError(
			"embedder returned a zero vector", nil)
	}
	return vecmath.Normalize(vec), nil
}
