// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ingest walks the configured originals roots, registers media
// files as assets and fans out their derivation tasks. Scans are
// incremental: an unchanged file is recognized by (path, size, mtime)
// without rehashing.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"image"
	_ "image/gif"  // register decoder for scanning
	_ "image/jpeg" // register decoder for scanning
	_ "image/png"  // register decoder for scanning
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/google/uuid"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	"github.com/darkroomlabs/darkroom/pkg/config"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/logger"
	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
)

// backlogPollInterval is how often a backpressured scan re-checks the
// pending queue depth.
const backlogPollInterval = time.Second

// imageExtensions and videoExtensions bound what a scan considers media.
var (
	imageExtensions = map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".webp": "image/webp",
		".heic": "image/heic",
	}
	videoExtensions = map[string]string{
		".mp4": "video/mp4",
		".mov": "video/quicktime",
	}
)

// Result counts what one scan pass did.
type Result struct {
	Scanned     int64 `json:"scanned"`
	New         int64 `json:"new"`
	Moved       int64 `json:"moved"`
	Reactivated int64 `json:"reactivated"`
	Unchanged   int64 `json:"unchanged"`
	Missing     int64 `json:"missing"`
	Failed      int64 `json:"failed"`
}

// Scanner ingests media files from the originals roots.
type Scanner struct {
	st        *store.Store
	artifacts *artifacts.Store
	reg       *providers.Registry
	metrics   *telemetry.Metrics
	cfg       *config.Config

	// OnFile, when set, is called after each file is handled. The CLI uses
	// it to drive a progress display.
	OnFile func(path string, r Result)
}

// NewScanner builds a scanner over the given store and provider registry.
// The registry supplies model identities for the derivation tasks'
// idempotency keys.
func NewScanner(st *store.Store, art *artifacts.Store, reg *providers.Registry,
	metrics *telemetry.Metrics, cfg *config.Config) *Scanner {
	return &Scanner{st: st, artifacts: art, reg: reg, metrics: metrics, cfg: cfg}
}

// Scan walks the given roots (the configured originals paths when empty)
// and reconciles the asset table against the filesystem. Files that
// disappeared from the scanned roots are marked missing; their rows and
// derived artifacts are retained.
func (s *Scanner) Scan(ctx context.Context, roots []string) (*Result, error) {
	if len(roots) == 0 {
		roots = s.cfg.OriginalsPaths
	}
	if len(roots) == 0 {
		return nil, errors.NewValidationError("no originals paths configured", nil)
	}

	start := time.Now()
	res := &Result{}
	logger.Infow("scan starting", "roots", roots)

	for _, root := range roots {
		if err := s.scanRoot(ctx, root, res); err != nil {
			return res, err
		}
	}

	// Anything under the scanned roots we did not touch this pass is gone
	// from disk.
	missing, err := s.st.MarkMissingUnderRoots(ctx, roots, start)
	if err != nil {
		return res, err
	}
	res.Missing = missing
	for i := int64(0); i < missing; i++ {
		s.metrics.IngestFilesScanned.WithLabelValues("missing").Inc()
	}

	logger.Infow("scan finished",
		"duration", time.Since(start),
		"scanned", res.Scanned, "new", res.New, "moved", res.Moved,
		"reactivated", res.Reactivated, "unchanged", res.Unchanged,
		"missing", res.Missing, "failed", res.Failed)
	return res, nil
}

func (s *Scanner) scanRoot(ctx context.Context, root string, res *Result) error {
	derived := filepath.Clean(s.cfg.DerivedPath)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return errors.NewCancelledError("scan cancelled", cerr)
		}
		if err != nil {
			// Unreadable entries are skipped, not fatal: one bad directory
			// must not abort the library scan.
			logger.Warnw("scan: skipping unreadable entry", "path", path, "error", err)
			res.Failed++
			s.metrics.IngestFilesScanned.WithLabelValues("failed").Inc()
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return fs.SkipDir
			}
			if filepath.Clean(path) == derived {
				return fs.SkipDir
			}
			return nil
		}
		mimeType, ok := s.mediaMIME(path)
		if !ok {
			return nil
		}

		res.Scanned++
		if err := s.scanFile(ctx, path, mimeType, res); err != nil {
			if errors.IsCancelled(err) {
				return err
			}
			logger.Warnw("scan: file failed", "path", path, "error", err)
			res.Failed++
			s.metrics.IngestFilesScanned.WithLabelValues("failed").Inc()
		}
		if s.OnFile != nil {
			s.OnFile(path, *res)
		}
		return nil
	})
}

// mediaMIME classifies a path by extension, honoring the video toggle.
func (s *Scanner) mediaMIME(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if m, ok := imageExtensions[ext]; ok {
		return m, true
	}
	if s.cfg.VideoEnabled {
		if m, ok := videoExtensions[ext]; ok {
			return m, true
		}
	}
	return "", false
}

func (s *Scanner) scanFile(ctx context.Context, path, mimeType string, res *Result) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewTransientIOError("stat failed", err)
	}
	size := info.Size()
	mtime := info.ModTime().UnixNano()

	// Fast path: same path, same size, same mtime as an active asset means
	// the content did not change. No hashing.
	if existing, err := s.st.GetAssetByPath(ctx, path); err == nil {
		if existing.Status == store.AssetActive &&
			existing.SizeBytes == size && existing.MtimeNS == mtime {
			if err := s.st.TouchAssetSeen(ctx, existing.ID, path, size, mtime); err != nil {
				return err
			}
			res.Unchanged++
			s.metrics.IngestFilesScanned.WithLabelValues("unchanged").Inc()
			return nil
		}
	} else if !stderrors.Is(err, store.ErrNotFound) {
		return err
	}

	sum, err := hashFile(path)
	if err != nil {
		return err
	}

	existing, err := s.st.GetAssetBySHA256(ctx, sum)
	switch {
	case err == nil:
		return s.reconcileExisting(ctx, existing, path, size, mtime, res)
	case stderrors.Is(err, store.ErrNotFound):
		return s.createAsset(ctx, path, mimeType, sum, size, mtime, res)
	default:
		return err
	}
}

// reconcileExisting handles a file whose content hash is already known:
// either it moved, or a missing/deleted asset came back.
func (s *Scanner) reconcileExisting(ctx context.Context, a *store.Asset,
	path string, size, mtime int64, res *Result) error {
	if a.Status == store.AssetActive {
		moved := a.Path != path
		if err := s.st.TouchAssetSeen(ctx, a.ID, path, size, mtime); err != nil {
			return err
		}
		if moved {
			logger.Infow("asset moved", "asset_id", a.ID, "from", a.Path, "to", path)
			res.Moved++
			s.metrics.IngestFilesScanned.WithLabelValues("moved").Inc()
		} else {
			res.Unchanged++
			s.metrics.IngestFilesScanned.WithLabelValues("unchanged").Inc()
		}
		return nil
	}

	if err := s.st.ReactivateAsset(ctx, a.ID, path, size, mtime); err != nil {
		return err
	}
	// Derivations whose outputs survived the absence are not redone.
	tasks, err := s.missingDerivations(ctx, a)
	if err != nil {
		return err
	}
	if err := s.waitBacklog(ctx); err != nil {
		return err
	}
	for _, t := range tasks {
		if _, _, err := s.st.EnqueueTask(ctx, t); err != nil {
			return err
		}
	}
	logger.Infow("asset reactivated", "asset_id", a.ID, "path", path, "requeued", len(tasks))
	res.Reactivated++
	s.metrics.IngestFilesScanned.WithLabelValues("reactivated").Inc()
	return nil
}

// createAsset registers a brand-new file and fans out its derivation chain
// in the same transaction as the asset row.
func (s *Scanner) createAsset(ctx context.Context, path, mimeType, sum string,
	size, mtime int64, res *Result) error {
	a := &store.Asset{
		ID:        uuid.NewString(),
		Path:      path,
		SizeBytes: size,
		MtimeNS:   mtime,
		SHA256:    sum,
		MIME:      mimeType,
		Status:    store.AssetActive,
	}
	s.enrichImageMetadata(a, path, mimeType)

	tasks, err := s.derivationChain(a.ID, mimeType)
	if err != nil {
		return err
	}
	if err := s.waitBacklog(ctx); err != nil {
		return err
	}
	created, err := s.st.CreateAssetWithTasks(ctx, a, tasks)
	if err != nil {
		return err
	}
	logger.Infow("asset ingested",
		"asset_id", a.ID, "path", path, "mime", mimeType, "tasks", len(created))
	res.New++
	s.metrics.IngestFilesScanned.WithLabelValues("new").Inc()
	return nil
}

// derivationChain builds the task fan-out for a new asset.
func (s *Scanner) derivationChain(assetID, mimeType string) ([]*store.Task, error) {
	retries := s.cfg.MaxTaskRetries
	var tasks []*store.Task

	add := func(t *store.Task, err error) error {
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	}

	if strings.HasPrefix(mimeType, "video/") {
		if err := add(engine.KeyframesTask(assetID, 10, retries)); err != nil {
			return nil, err
		}
		// Image-space derivations for videos run against keyframes, fanned
		// out by the keyframe handler.
		return tasks, nil
	}

	if err := add(engine.ThumbnailTask(assetID, engine.DefaultThumbnailSizes, retries)); err != nil {
		return nil, err
	}
	im := s.reg.ImageEmbedder.ModelInfo()
	if err := add(engine.EmbedImageTask(assetID, im.Name, im.Version, retries)); err != nil {
		return nil, err
	}
	if s.reg.Captioner != nil {
		cm := s.reg.Captioner.ModelInfo()
		if err := add(engine.CaptionTask(assetID, cm.Name, cm.Version, retries)); err != nil {
			return nil, err
		}
	}
	if s.reg.FaceDetector != nil {
		dm := s.reg.FaceDetector.ModelInfo()
		if err := add(engine.DetectFacesTask(assetID, dm.Name, dm.Version, retries)); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// missingDerivations rebuilds only the parts of a reactivated asset whose
// outputs are absent.
func (s *Scanner) missingDerivations(ctx context.Context, a *store.Asset) ([]*store.Task, error) {
	retries := s.cfg.MaxTaskRetries
	var tasks []*store.Task

	if strings.HasPrefix(a.MIME, "video/") {
		if !s.artifacts.Exists(a.ID, artifacts.KeyframeName(0)) {
			t, err := engine.KeyframesTask(a.ID, 10, retries)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
		return tasks, nil
	}

	haveThumbs := true
	for _, size := range engine.DefaultThumbnailSizes {
		if !s.artifacts.Exists(a.ID, artifacts.ThumbName(size)) {
			haveThumbs = false
			break
		}
	}
	if !haveThumbs {
		t, err := engine.ThumbnailTask(a.ID, engine.DefaultThumbnailSizes, retries)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	im := s.reg.ImageEmbedder.ModelInfo()
	if _, err := s.st.GetEmbedding(ctx, store.OwnerAsset, a.ID, store.ModalityImage, im.Name, im.Version); err != nil {
		if !stderrors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		t, terr := engine.EmbedImageTask(a.ID, im.Name, im.Version, retries)
		if terr != nil {
			return nil, terr
		}
		tasks = append(tasks, t)
	}

	if s.reg.Captioner != nil {
		cm := s.reg.Captioner.ModelInfo()
		if _, err := s.st.GetCaption(ctx, a.ID, cm.Name, cm.Version); err != nil {
			if !stderrors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			t, terr := engine.CaptionTask(a.ID, cm.Name, cm.Version, retries)
			if terr != nil {
				return nil, terr
			}
			tasks = append(tasks, t)
		}
	}

	if s.reg.FaceDetector != nil {
		faces, err := s.st.ListFacesByAsset(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if len(faces) == 0 {
			dm := s.reg.FaceDetector.ModelInfo()
			t, terr := engine.DetectFacesTask(a.ID, dm.Name, dm.Version, retries)
			if terr != nil {
				return nil, terr
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// waitBacklog blocks while the pending queue is over the backpressure
// threshold, so a huge library scan cannot run the queue unbounded.
func (s *Scanner) waitBacklog(ctx context.Context) error {
	limit := int64(s.cfg.MaxPendingBackpressure)
	if limit <= 0 {
		return nil
	}
	warned := false
	for {
		n, err := s.st.CountPendingBacklog(ctx)
		if err != nil {
			return err
		}
		if n <= limit {
			return nil
		}
		if !warned {
			logger.Infow("scan paused on backpressure", "pending", n, "limit", limit)
			warned = true
		}
		select {
		case <-ctx.Done():
			return errors.NewCancelledError("scan cancelled during backpressure", ctx.Err())
		case <-time.After(backlogPollInterval):
		}
	}
}

// hashFile streams the file through sha256.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.NewTransientIOError("opening file for hashing", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.NewTransientIOError("hashing file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// enrichImageMetadata fills dimensions, perceptual hash and EXIF fields.
// All of it is best effort: a file that defeats the decoders still ingests
// with the fields left empty.
func (s *Scanner) enrichImageMetadata(a *store.Asset, path, mimeType string) {
	if !strings.HasPrefix(mimeType, "image/") {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if cfg, _, err := image.DecodeConfig(f); err == nil {
		a.Width = cfg.Width
		a.Height = cfg.Height
	}

	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			if h, err := goimagehash.DifferenceHash(img); err == nil {
				a.PHash = h.GetHash()
			}
		} else {
			logger.Debugw("perceptual hash skipped", "path", path, "error", err)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err == nil {
		s.applyEXIF(a, f, path)
	}
}

// applyEXIF copies the interesting EXIF fields onto the asset.
func (*Scanner) applyEXIF(a *store.Asset, r io.Reader, path string) {
	x, err := exif.Decode(r)
	if err != nil {
		logger.Debugw("exif skipped", "path", path, "error", err)
		return
	}
	if t, err := x.DateTime(); err == nil {
		a.TakenAt = &t
	}
	if tag, err := x.Get(exif.Make); err == nil {
		if v, err := tag.StringVal(); err == nil {
			a.CameraMake = strings.TrimSpace(v)
		}
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if v, err := tag.StringVal(); err == nil {
			a.CameraModel = strings.TrimSpace(v)
		}
	}
	if lat, lon, err := x.LatLong(); err == nil {
		a.GPSLat = &lat
		a.GPSLon = &lon
	}
}
