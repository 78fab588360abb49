// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"
	"math/rand"
	"time"

	"github.com/darkroomlabs/darkroom/pkg/errors"
)

// Stub model dimensions. The image and text stubs share a dimension so the
// cross-modal wiring is exercised end to end.
const (
	StubImageDim = 512
	StubFaceDim  = 128
)

// stubVector derives a unit vector deterministically from the input bytes:
// same input, same vector, across processes. The hash seeds a PRNG rather
// than filling the vector directly so components are roughly Gaussian.
func stubVector(seed []byte, dim int) []float32 {
	sum := sha256.Sum256(seed)
	rng := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(sum[:8])))) // #nosec G404 -- determinism is the point
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	out, err := checkedVector(vec, dim)
	if err != nil {
		// A Gaussian draw of dim components is never the zero vector.
		panic(err)
	}
	return out
}

// StubImageEmbedder is the deterministic, dependency-free image embedder.
type StubImageEmbedder struct{}

// EmbedImage derives a vector from the image bytes.
func (*StubImageEmbedder) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("image embedding cancelled", err)
	}
	return stubVector(img, StubImageDim), nil
}

// Dimension returns the stub's vector dimension.
func (*StubImageEmbedder) Dimension() int { return StubImageDim }

// ModelInfo identifies the stub model.
func (*StubImageEmbedder) ModelInfo() ModelInfo {
	return ModelInfo{Name: "stub-clip", Version: "1", Device: "cpu"}
}

// Health always reports ready.
func (*StubImageEmbedder) Health(context.Context) Health {
	return Health{Status: StatusReady, ModelName: "stub-clip", ModelVersion: "1", Device: "cpu"}
}

// StubTextEmbedder is the deterministic text embedder, sharing the stub
// image space's dimension.
type StubTextEmbedder struct{}

// EmbedText derives a vector from the query text.
func (*StubTextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("text embedding cancelled", err)
	}
	if text == "" {
		return nil, errors.NewValidationError("cannot embed empty text", nil)
	}
	return stubVector([]byte("text\x00"+text), StubImageDim), nil
}

// Dimension returns the stub's vector dimension.
func (*StubTextEmbedder) Dimension() int { return StubImageDim }

// ModelInfo identifies the stub model.
func (*StubTextEmbedder) ModelInfo() ModelInfo {
	return ModelInfo{Name: "stub-clip", Version: "1", Device: "cpu"}
}

// Health always reports ready.
func (*StubTextEmbedder) Health(context.Context) Health {
	return Health{Status: StatusReady, ModelName: "stub-clip", ModelVersion: "1", Device: "cpu"}
}

// StubCaptioner emits a deterministic caption keyed off the image hash.
type StubCaptioner struct{}

var (
	stubAdjectives = []string{"bright", "quiet", "crowded", "blurry", "sunlit", "overcast", "distant", "close-up"}
	stubSubjects   = []string{"street scene", "landscape", "portrait", "group photo", "building", "animal", "meal", "document"}
)

// Caption returns a short deterministic sentence.
func (*StubCaptioner) Caption(ctx context.Context, img []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.NewCancelledError("captioning cancelled", err)
	}
	sum := sha256.Sum256(img)
	adj := stubAdjectives[int(sum[0])%len(stubAdjectives)]
	subj := stubSubjects[int(sum[1])%len(stubSubjects)]
	return fmt.Sprintf("a %s %s", adj, subj), nil
}

// ModelInfo identifies the stub model.
func (*StubCaptioner) ModelInfo() ModelInfo {
	return ModelInfo{Name: "stub-caption", Version: "1", Device: "cpu"}
}

// Health always reports ready.
func (*StubCaptioner) Health(context.Context) Health {
	return Health{Status: StatusReady, ModelName: "stub-caption", ModelVersion: "1", Device: "cpu"}
}

// StubFaceDetector finds zero to two synthetic faces, deterministically
// placed from the image hash. It decodes the image for its bounds, so the
// permanent-on-decode-failure contract is exercised like a real detector.
type StubFaceDetector struct{}

// DetectFaces returns the synthetic detections.
func (*StubFaceDetector) DetectFaces(ctx context.Context, img []byte) ([]FaceBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("face detection cancelled", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, errors.NewPermanentDecodeError("decoding image for face detection", err)
	}
	sum := sha256.Sum256(img)
	n := int(sum[2]) % 3
	boxes := make([]FaceBox, 0, n)
	for i := 0; i < n; i++ {
		// Quarter-size boxes anchored at hash-chosen fractions, clamped so
		// they stay inside the image.
		fx := float64(sum[3+2*i]) / 255.0 * 0.75
		fy := float64(sum[4+2*i]) / 255.0 * 0.75
		boxes = append(boxes, FaceBox{
			X:     fx * float64(cfg.Width),
			Y:     fy * float64(cfg.Height),
			W:     float64(cfg.Width) / 4,
			H:     float64(cfg.Height) / 4,
			Score: 0.5 + float64(sum[8+i])/512.0,
		})
	}
	return boxes, nil
}

// ModelInfo identifies the stub model.
func (*StubFaceDetector) ModelInfo() ModelInfo {
	return ModelInfo{Name: "stub-detect", Version: "1", Device: "cpu"}
}

// Health always reports ready.
func (*StubFaceDetector) Health(context.Context) Health {
	return Health{Status: StatusReady, ModelName: "stub-detect", ModelVersion: "1", Device: "cpu"}
}

// StubFaceEmbedder derives a face vector from the crop bytes.
type StubFaceEmbedder struct{}

// EmbedFace derives a vector from the crop.
func (*StubFaceEmbedder) EmbedFace(ctx context.Context, crop []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("face embedding cancelled", err)
	}
	return stubVector(append([]byte("face\x00"), crop...), StubFaceDim), nil
}

// Dimension returns the stub's vector dimension.
func (*StubFaceEmbedder) Dimension() int { return StubFaceDim }

// ModelInfo identifies the stub model.
func (*StubFaceEmbedder) ModelInfo() ModelInfo {
	return ModelInfo{Name: "stub-face", Version: "1", Device: "cpu"}
}

// Health always reports ready.
func (*StubFaceEmbedder) Health(context.Context) Health {
	return Health{Status: StatusReady, ModelName: "stub-face", ModelVersion: "1", Device: "cpu"}
}

// StubKeyframer returns no frames; video derivation is a pass-through until
// a real runner is configured.
type StubKeyframer struct{}

// Keyframes returns an empty frame set.
func (*StubKeyframer) Keyframes(ctx context.Context, _ []byte, _ time.Duration) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("keyframing cancelled", err)
	}
	return nil, nil
}

// Health always reports ready.
func (*StubKeyframer) Health(context.Context) Health {
	return Health{Status: StatusReady, ModelName: "stub-keyframe", ModelVersion: "1"}
}
