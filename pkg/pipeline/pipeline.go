// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the derivation task handlers: everything the
// engine runs between an ingested original and a searchable asset.
package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	"github.com/darkroomlabs/darkroom/pkg/cluster"
	"github.com/darkroomlabs/darkroom/pkg/config"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/ingest"
	"github.com/darkroomlabs/darkroom/pkg/logger"
	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

// Pipeline wires the derivation handlers to their dependencies.
type Pipeline struct {
	st      *store.Store
	art     *artifacts.Store
	reg     *providers.Registry
	index   *vecindex.Index
	cluster *cluster.Service
	scanner *ingest.Scanner
	metrics *telemetry.Metrics
	cfg     *config.Config
}

// New builds the pipeline.
func New(st *store.Store, art *artifacts.Store, reg *providers.Registry,
	index *vecindex.Index, cl *cluster.Service, scanner *ingest.Scanner,
	metrics *telemetry.Metrics, cfg *config.Config) *Pipeline {
	return &Pipeline{
		st: st, art: art, reg: reg, index: index,
		cluster: cl, scanner: scanner, metrics: metrics, cfg: cfg,
	}
}

// RegisterHandlers binds every derivation handler onto the engine.
func (p *Pipeline) RegisterHandlers(e *engine.Engine) {
	e.Register(engine.TypeThumbnail, p.handleThumbnail)
	e.Register(engine.TypeEmbedImage, p.handleEmbedImage)
	e.Register(engine.TypeCaption, p.handleCaption)
	e.Register(engine.TypeDetectFaces, p.handleDetectFaces)
	e.Register(engine.TypeEmbedFace, p.handleEmbedFace)
	e.Register(engine.TypeKeyframes, p.handleKeyframes)
	e.Register(engine.TypeIndexRebuild, p.handleIndexRebuild)
	e.Register(engine.TypeRecluster, p.handleRecluster)
	e.Register(engine.TypeScan, p.handleScan)
}

// activeAsset loads the asset and checks it is still worth deriving for.
// A missing or deleted asset completes the task as a no-op rather than
// erroring: the scan that flipped the status owns the cleanup.
func (p *Pipeline) activeAsset(ctx context.Context, assetID string) (*store.Asset, bool, error) {
	a, err := p.st.GetAsset(ctx, assetID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if a.Status != store.AssetActive {
		return a, false, nil
	}
	return a, true, nil
}

// imageBytes returns the pixel source for image-space derivations: the
// original for still images, the first extracted keyframe for videos.
func (p *Pipeline) imageBytes(a *store.Asset) ([]byte, error) {
	if isVideo(a.MIME) {
		data, err := p.art.Read(a.ID, artifacts.KeyframeName(0))
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, errors.NewTransientIOError("reading original", err)
	}
	return data, nil
}

func isVideo(mime string) bool {
	return len(mime) >= 6 && mime[:6] == "video/"
}

func decodePayload(job *engine.Job, v any) error {
	if err := json.Unmarshal(job.Task.Payload, v); err != nil {
		return errors.NewPermanentDecodeError(
			fmt.Sprintf("decoding %s payload", job.Task.Type), err)
	}
	return nil
}

func (p *Pipeline) handleThumbnail(ctx context.Context, job *engine.Job) error {
	var payload engine.ThumbnailPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	a, ok, err := p.activeAsset(ctx, payload.AssetID)
	if err != nil || !ok {
		return err
	}
	data, err := p.imageBytes(a)
	if err != nil {
		return err
	}
	sizes := payload.Sizes
	if len(sizes) == 0 {
		sizes = engine.DefaultThumbnailSizes
	}
	for i, size := range sizes {
		thumb, err := p.reg.Thumbnailer.Thumbnail(ctx, data, size)
		if err != nil {
			return err
		}
		if _, err := p.art.Write(a.ID, artifacts.ThumbName(size), thumb); err != nil {
			return err
		}
		job.SetProgress(ctx, int64(i+1), int64(len(sizes)))
	}
	return nil
}

func (p *Pipeline) handleEmbedImage(ctx context.Context, job *engine.Job) error {
	var payload engine.EmbedImagePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	a, ok, err := p.activeAsset(ctx, payload.AssetID)
	if err != nil || !ok {
		return err
	}
	data, err := p.imageBytes(a)
	if err != nil {
		return err
	}
	vec, err := p.reg.ImageEmbedder.EmbedImage(ctx, data)
	if err != nil {
		return err
	}
	info := p.reg.ImageEmbedder.ModelInfo()
	if err := p.st.UpsertEmbedding(ctx, &store.Embedding{
		OwnerKind:    store.OwnerAsset,
		OwnerID:      a.ID,
		Modality:     store.ModalityImage,
		ModelName:    info.Name,
		ModelVersion: info.Version,
		Dim:          len(vec),
		Vector:       vec,
	}); err != nil {
		return err
	}
	p.metrics.EmbeddingsGenerated.WithLabelValues(string(store.ModalityImage)).Inc()

	// Keep the live index current; a failure here is not fatal because a
	// rebuild reconciles from the store.
	meta := p.index.Meta()
	if meta.ModelName == info.Name && meta.ModelVersion == info.Version {
		if err := p.index.Add(a.ID, vec); err != nil {
			logger.Warnw("updating live index", "asset_id", a.ID, "error", err)
		} else if seq, err := p.st.EmbeddingsChangeSeq(ctx); err == nil {
			p.index.SetChangeSeq(seq)
		}
		p.metrics.VectorIndexSize.Set(float64(p.index.Size()))
	}
	return nil
}

func (p *Pipeline) handleCaption(ctx context.Context, job *engine.Job) error {
	if p.reg.Captioner == nil {
		return nil
	}
	var payload engine.CaptionPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	a, ok, err := p.activeAsset(ctx, payload.AssetID)
	if err != nil || !ok {
		return err
	}
	data, err := p.imageBytes(a)
	if err != nil {
		return err
	}
	body, err := p.reg.Captioner.Caption(ctx, data)
	if err != nil {
		return err
	}
	info := p.reg.Captioner.ModelInfo()
	_, err = p.st.UpsertCaption(ctx, &store.Caption{
		AssetID:      a.ID,
		ModelName:    info.Name,
		ModelVersion: info.Version,
		Body:         body,
	})
	return err
}

func (p *Pipeline) handleDetectFaces(ctx context.Context, job *engine.Job) error {
	if p.reg.FaceDetector == nil {
		return nil
	}
	var payload engine.DetectFacesPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	a, ok, err := p.activeAsset(ctx, payload.AssetID)
	if err != nil || !ok {
		return err
	}
	data, err := p.imageBytes(a)
	if err != nil {
		return err
	}
	boxes, err := p.reg.FaceDetector.DetectFaces(ctx, data)
	if err != nil {
		return err
	}

	// Re-running detection replaces the asset's face set instead of piling
	// duplicates on top of a previous run.
	if err := p.st.DeleteFacesByAsset(ctx, a.ID); err != nil {
		return err
	}
	if len(boxes) == 0 {
		return nil
	}

	fm := p.reg.FaceEmbedder.ModelInfo()
	for i, box := range boxes {
		face := &store.Face{
			AssetID:  a.ID,
			X:        box.X,
			Y:        box.Y,
			W:        box.W,
			H:        box.H,
			DetScore: box.Score,
		}
		if err := p.st.CreateFace(ctx, face); err != nil {
			return err
		}
		crop, err := providers.CropFace(data, box)
		if err != nil {
			return err
		}
		if _, err := p.art.Write(a.ID, artifacts.FaceCropName(face.ID), crop); err != nil {
			return err
		}
		t, err := engine.EmbedFaceTask(face.ID, fm.Name, fm.Version, p.cfg.MaxTaskRetries)
		if err != nil {
			return err
		}
		if _, _, err := p.st.EnqueueTask(ctx, t); err != nil {
			return err
		}
		job.SetProgress(ctx, int64(i+1), int64(len(boxes)))
	}
	return nil
}

func (p *Pipeline) handleEmbedFace(ctx context.Context, job *engine.Job) error {
	var payload engine.EmbedFacePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	face, err := p.st.GetFace(ctx, payload.FaceID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	crop, err := p.art.Read(face.AssetID, artifacts.FaceCropName(face.ID))
	if err != nil {
		return err
	}
	vec, err := p.reg.FaceEmbedder.EmbedFace(ctx, crop)
	if err != nil {
		return err
	}
	info := p.reg.FaceEmbedder.ModelInfo()
	emb := &store.Embedding{
		OwnerKind:    store.OwnerFace,
		OwnerID:      face.ID,
		Modality:     store.ModalityFace,
		ModelName:    info.Name,
		ModelVersion: info.Version,
		Dim:          len(vec),
		Vector:       vec,
	}
	if err := p.st.UpsertEmbedding(ctx, emb); err != nil {
		return err
	}
	if err := p.st.AttachFaceEmbedding(ctx, face.ID, emb.ID); err != nil {
		return err
	}
	p.metrics.EmbeddingsGenerated.WithLabelValues(string(store.ModalityFace)).Inc()

	_, _, err = p.cluster.AssignIncremental(ctx, face.ID, vec)
	return err
}

func (p *Pipeline) handleKeyframes(ctx context.Context, job *engine.Job) error {
	var payload engine.KeyframesPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	a, ok, err := p.activeAsset(ctx, payload.AssetID)
	if err != nil || !ok {
		return err
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return errors.NewTransientIOError("reading video", err)
	}
	interval := time.Duration(payload.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	frames, err := p.reg.Keyframer.Keyframes(ctx, data, interval)
	if err != nil {
		return err
	}
	for i, frame := range frames {
		if _, err := p.art.Write(a.ID, artifacts.KeyframeName(i), frame); err != nil {
			return err
		}
		job.SetProgress(ctx, int64(i+1), int64(len(frames)))
	}
	if len(frames) == 0 {
		return nil
	}

	// With a representative frame on disk the image-space chain applies.
	chain := []func() (*store.Task, error){
		func() (*store.Task, error) {
			return engine.ThumbnailTask(a.ID, engine.DefaultThumbnailSizes, p.cfg.MaxTaskRetries)
		},
	}
	im := p.reg.ImageEmbedder.ModelInfo()
	chain = append(chain, func() (*store.Task, error) {
		return engine.EmbedImageTask(a.ID, im.Name, im.Version, p.cfg.MaxTaskRetries)
	})
	if p.reg.Captioner != nil {
		cm := p.reg.Captioner.ModelInfo()
		chain = append(chain, func() (*store.Task, error) {
			return engine.CaptionTask(a.ID, cm.Name, cm.Version, p.cfg.MaxTaskRetries)
		})
	}
	if p.reg.FaceDetector != nil {
		dm := p.reg.FaceDetector.ModelInfo()
		chain = append(chain, func() (*store.Task, error) {
			return engine.DetectFacesTask(a.ID, dm.Name, dm.Version, p.cfg.MaxTaskRetries)
		})
	}
	for _, build := range chain {
		t, err := build()
		if err != nil {
			return err
		}
		if _, _, err := p.st.EnqueueTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleIndexRebuild(ctx context.Context, job *engine.Job) error {
	var payload engine.IndexRebuildPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	meta := p.index.Meta()
	if payload.ModelName == "" {
		payload.Modality = string(store.ModalityImage)
		payload.ModelName = meta.ModelName
		payload.ModelVersion = meta.ModelVersion
	}
	if payload.ModelName != meta.ModelName || payload.ModelVersion != meta.ModelVersion {
		return errors.NewValidationError(fmt.Sprintf(
			"rebuild for model %s/%s does not match index model %s/%s",
			payload.ModelName, payload.ModelVersion, meta.ModelName, meta.ModelVersion), nil)
	}

	return p.RebuildIndex(ctx, func(done, total int64) {
		job.SetProgress(ctx, done, total)
	})
}

// RebuildIndex reloads the image index from the store and persists the
// snapshot. The engine handler and the one-shot CLI command both use it.
func (p *Pipeline) RebuildIndex(ctx context.Context, progress func(done, total int64)) error {
	meta := p.index.Meta()
	total, err := p.st.CountEmbeddings(ctx, store.ModalityImage, meta.ModelName, meta.ModelVersion)
	if err != nil {
		return err
	}
	// The change seq is read before the scan; anything that lands during
	// the rebuild shows up as staleness and triggers the next rebuild.
	seq, err := p.st.EmbeddingsChangeSeq(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, total)
	vectors := make([][]float32, 0, total)
	err = p.st.ForEachEmbedding(ctx, store.ModalityImage,
		meta.ModelName, meta.ModelVersion, func(e *store.Embedding) error {
			if cerr := ctx.Err(); cerr != nil {
				return errors.NewCancelledError("rebuild cancelled", cerr)
			}
			ids = append(ids, e.OwnerID)
			vectors = append(vectors, e.Vector)
			if progress != nil && len(ids)%1000 == 0 {
				progress(int64(len(ids)), total)
			}
			return nil
		})
	if err != nil {
		return err
	}
	if err := p.index.Replace(ids, vectors); err != nil {
		return err
	}
	p.index.SetChangeSeq(seq)
	p.metrics.VectorIndexSize.Set(float64(p.index.Size()))

	if err := p.index.Save(p.cfg.IndexPath); err != nil {
		return err
	}
	logger.Infow("vector index rebuilt", "vectors", len(ids), "change_seq", seq)
	return nil
}

func (p *Pipeline) handleRecluster(ctx context.Context, job *engine.Job) error {
	info := p.reg.FaceEmbedder.ModelInfo()
	return p.cluster.FullRecluster(ctx, info.Name, info.Version, func(done, total int64) {
		job.SetProgress(ctx, done, total)
	})
}

func (p *Pipeline) handleScan(ctx context.Context, job *engine.Job) error {
	var payload engine.ScanPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	res, err := p.scanner.Scan(ctx, payload.Roots)
	if err != nil {
		return err
	}
	job.SetProgress(ctx, res.Scanned, res.Scanned)
	return nil
}
