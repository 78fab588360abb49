// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/darkroomlabs/darkroom/pkg/config"
	"github.com/darkroomlabs/darkroom/pkg/errors"
)

// Registry holds the resolved provider for every slot. Selection happens
// once at startup from configuration; nothing downstream branches on
// provider kind again.
//
// Captioner and FaceDetector are nil when their stage is configured off.
type Registry struct {
	Thumbnailer   Thumbnailer
	ImageEmbedder ImageEmbedder
	TextEmbedder  TextEmbedder
	Captioner     Captioner
	FaceDetector  FaceDetector
	FaceEmbedder  FaceEmbedder
	Keyframer     Keyframer

	closers []func()
}

// NewRegistry resolves every provider slot from configuration. Subprocess
// providers are spawned and interrogated here, so a misconfigured command
// fails startup instead of the first task.
func NewRegistry(ctx context.Context, cfg *config.Config) (*Registry, error) {
	r := &Registry{
		Thumbnailer: NewBuiltinThumbnailer(),
		Keyframer:   &StubKeyframer{},
	}

	var err error
	if r.ImageEmbedder, err = resolveImageEmbedder(ctx, r, cfg.ImageEmbedProvider); err != nil {
		return nil, err
	}
	if r.TextEmbedder, err = resolveTextEmbedder(ctx, r, cfg.TextEmbedProvider); err != nil {
		return nil, err
	}
	if !cfg.CaptionProfile.Off() {
		if r.Captioner, err = resolveCaptioner(ctx, r, cfg.CaptionProfile); err != nil {
			return nil, err
		}
	}
	if !cfg.FaceDetectProvider.Off() {
		if r.FaceDetector, err = resolveFaceDetector(ctx, r, cfg.FaceDetectProvider); err != nil {
			return nil, err
		}
	}
	if r.FaceEmbedder, err = resolveFaceEmbedder(ctx, r, cfg.FaceEmbedProvider); err != nil {
		return nil, err
	}

	// Cross-modal search needs the two towers to share one space.
	if r.ImageEmbedder.Dimension() != r.TextEmbedder.Dimension() {
		r.Close()
		return nil, errors.NewPermanentConfigError(fmt.Sprintf(
			"image embedder dimension %d and text embedder dimension %d must agree",
			r.ImageEmbedder.Dimension(), r.TextEmbedder.Dimension()), nil)
	}
	return r, nil
}

func resolveImageEmbedder(ctx context.Context, r *Registry, ref config.ProviderRef) (ImageEmbedder, error) {
	switch ref.Kind {
	case config.ProviderStub:
		return &StubImageEmbedder{}, nil
	default:
		p, err := NewSubprocessImageEmbedder(ctx, ref.Command)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, p.Close)
		return p, nil
	}
}

func resolveTextEmbedder(ctx context.Context, r *Registry, ref config.ProviderRef) (TextEmbedder, error) {
	switch ref.Kind {
	case config.ProviderStub:
		return &StubTextEmbedder{}, nil
	default:
		p, err := NewSubprocessTextEmbedder(ctx, ref.Command)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, p.Close)
		return p, nil
	}
}

func resolveCaptioner(ctx context.Context, r *Registry, ref config.ProviderRef) (Captioner, error) {
	switch ref.Kind {
	case config.ProviderStub:
		return &StubCaptioner{}, nil
	default:
		p, err := NewSubprocessCaptioner(ctx, ref.Command)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, p.Close)
		return p, nil
	}
}

func resolveFaceDetector(ctx context.Context, r *Registry, ref config.ProviderRef) (FaceDetector, error) {
	switch ref.Kind {
	case config.ProviderStub:
		return &StubFaceDetector{}, nil
	default:
		p, err := NewSubprocessFaceDetector(ctx, ref.Command)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, p.Close)
		return p, nil
	}
}

func resolveFaceEmbedder(ctx context.Context, r *Registry, ref config.ProviderRef) (FaceEmbedder, error) {
	switch ref.Kind {
	case config.ProviderStub:
		return &StubFaceEmbedder{}, nil
	default:
		p, err := NewSubprocessFaceEmbedder(ctx, ref.Command)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, p.Close)
		return p, nil
	}
}

// HealthAll reports every configured slot's health, keyed by slot name.
// Disabled slots are omitted.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	out := map[string]Health{
		"thumbnailer": r.Thumbnailer.Health(ctx),
		"image_embed": r.ImageEmbedder.Health(ctx),
		"text_embed":  r.TextEmbedder.Health(ctx),
		"face_embed":  r.FaceEmbedder.Health(ctx),
	}
	if r.Captioner != nil {
		out["caption"] = r.Captioner.Health(ctx)
	}
	if r.FaceDetector != nil {
		out["face_detect"] = r.FaceDetector.Health(ctx)
	}
	return out
}

// Warmup exercises every configured provider with a tiny input so model
// loading happens before the first real task.
func (r *Registry) Warmup(ctx context.Context) map[string]error {
	out := map[string]error{}

	img := warmupImage()
	_, out["thumbnailer"] = r.Thumbnailer.Thumbnail(ctx, img, 32)
	_, out["image_embed"] = r.ImageEmbedder.EmbedImage(ctx, img)
	_, out["text_embed"] = r.TextEmbedder.EmbedText(ctx, "warmup")
	if r.Captioner != nil {
		_, out["caption"] = r.Captioner.Caption(ctx, img)
	}
	if r.FaceDetector != nil {
		_, out["face_detect"] = r.FaceDetector.DetectFaces(ctx, img)
	}
	_, out["face_embed"] = r.FaceEmbedder.EmbedFace(ctx, img)
	return out
}

// Close terminates any subprocess runners.
func (r *Registry) Close() {
	for _, c := range r.closers {
		c()
	}
}

// warmupImage renders a tiny valid JPEG for warmup calls.
func warmupImage() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}
