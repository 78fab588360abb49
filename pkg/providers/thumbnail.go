// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/jpeg"

	// Registered decoders: ingestion accepts these formats.
	_ "image/gif"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/darkroomlabs/darkroom/pkg/errors"
)

const thumbnailJPEGQuality = 85

// BuiltinThumbnailer scales images in-process. There is no stub/real split
// for thumbnails; this is the production implementation.
type BuiltinThumbnailer struct{}

// NewBuiltinThumbnailer returns the in-process thumbnailer.
func NewBuiltinThumbnailer() *BuiltinThumbnailer {
	return &BuiltinThumbnailer{}
}

// Thumbnail decodes, scales to fit maxEdge and re-encodes as JPEG. Decode
// failures are permanent: the bytes will never become an image on retry.
func (*BuiltinThumbnailer) Thumbnail(ctx context.Context, img []byte, maxEdge int) ([]byte, error) {
	if maxEdge < 1 {
		return nil, errors.NewValidationError("thumbnail size must be positive", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("thumbnailing cancelled", err)
	}
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, errors.NewPermanentDecodeError("decoding image for thumbnail", err)
	}

	scaled := resize.Thumbnail(uint(maxEdge), uint(maxEdge), decoded, resize.Lanczos3)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, scaled, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, errors.NewTransientIOError("encoding thumbnail", err)
	}
	return out.Bytes(), nil
}

// Health always reports ready; the thumbnailer has no external dependency.
func (*BuiltinThumbnailer) Health(context.Context) Health {
	return Health{Status: StatusReady, ModelName: "builtin", ModelVersion: "1"}
}

// CropFace cuts a face bounding box out of an image and re-encodes it as
// JPEG for the face embedder. The box is clamped to the image bounds; a box
// that clamps to nothing is a validation error.
func CropFace(img []byte, box FaceBox) ([]byte, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, errors.NewPermanentDecodeError("decoding image for face crop", err)
	}
	bounds := decoded.Bounds()
	rect := image.Rect(int(box.X), int(box.Y), int(box.X+box.W), int(box.Y+box.H)).
		Intersect(bounds)
	if rect.Empty() {
		return nil, errors.NewValidationError("face bbox is outside the image", nil)
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), decoded, rect.Min, draw.Src)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, crop, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, errors.NewTransientIOError("encoding face crop", err)
	}
	return out.Bytes(), nil
}
