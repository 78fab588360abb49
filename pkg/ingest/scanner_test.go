// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	"github.com/darkroomlabs/darkroom/pkg/config"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
)

type fixture struct {
	st      *store.Store
	scanner *Scanner
	library string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	library := filepath.Join(base, "library")
	require.NoError(t, os.MkdirAll(library, 0o750))

	cfg := &config.Config{
		OriginalsPaths:         []string{library},
		DerivedPath:            filepath.Join(base, "derived"),
		MaxTaskRetries:         3,
		MaxPendingBackpressure: 0, // off for tests
		VideoEnabled:           true,
	}

	db, err := store.Open(context.Background(), filepath.Join(base, "test.db"))
	require.NoError(t, err)
	st := store.New(db)
	t.Cleanup(func() { _ = st.Close() })

	art, err := artifacts.New(cfg.DerivedPath)
	require.NoError(t, err)

	reg := &providers.Registry{
		Thumbnailer:   providers.NewBuiltinThumbnailer(),
		ImageEmbedder: &providers.StubImageEmbedder{},
		TextEmbedder:  &providers.StubTextEmbedder{},
		Captioner:     &providers.StubCaptioner{},
		FaceDetector:  &providers.StubFaceDetector{},
		FaceEmbedder:  &providers.StubFaceEmbedder{},
		Keyframer:     &providers.StubKeyframer{},
	}

	return &fixture{
		st:      st,
		scanner: NewScanner(st, art, reg, telemetry.New(), cfg),
		library: library,
	}
}

// writeJPEG writes a small decodable JPEG; the seed varies the pixels so
// different files hash differently.
func (fx *fixture) writeJPEG(t *testing.T, name string, seed uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: seed, G: uint8(x * 16), B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	path := filepath.Join(fx.library, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o640))
	return path
}

func taskTypes(t *testing.T, st *store.Store) map[string]int {
	t.Helper()
	tasks, _, err := st.ListTasks(context.Background(), store.TaskFilter{PageSize: 500})
	require.NoError(t, err)
	out := map[string]int{}
	for _, task := range tasks {
		out[task.Type]++
	}
	return out
}

func TestScanIngestsNewImage(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	path := fx.writeJPEG(t, "new.jpg", 1)

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Scanned)
	assert.Equal(t, int64(1), res.New)

	a, err := fx.st.GetAssetByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", a.MIME)
	assert.Equal(t, 16, a.Width)
	assert.Equal(t, 16, a.Height)
	assert.NotZero(t, a.PHash)
	assert.Len(t, a.SHA256, 64)

	// The full derivation chain was fanned out with the asset.
	types := taskTypes(t, fx.st)
	assert.Equal(t, 1, types[engine.TypeThumbnail])
	assert.Equal(t, 1, types[engine.TypeEmbedImage])
	assert.Equal(t, 1, types[engine.TypeCaption])
	assert.Equal(t, 1, types[engine.TypeDetectFaces])
}

func TestScanVideoGetsKeyframeTaskOnly(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	path := filepath.Join(fx.library, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake mp4 bytes"), 0o640))

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.New)

	types := taskTypes(t, fx.st)
	assert.Equal(t, 1, types[engine.TypeKeyframes])
	assert.Zero(t, types[engine.TypeThumbnail])
}

func TestScanSkipsNonMediaAndHiddenDirs(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(fx.library, "notes.txt"), []byte("text"), 0o640))
	fx.writeJPEG(t, ".hidden/secret.jpg", 2)
	fx.writeJPEG(t, "visible.jpg", 3)

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Scanned)
	assert.Equal(t, int64(1), res.New)
}

func TestScanUnchangedFastPath(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeJPEG(t, "same.jpg", 4)

	_, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Unchanged)
	assert.Zero(t, res.New)

	// No duplicate derivation tasks from the second pass.
	types := taskTypes(t, fx.st)
	assert.Equal(t, 1, types[engine.TypeThumbnail])
}

func TestScanDetectsMove(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	oldPath := fx.writeJPEG(t, "orig.jpg", 5)

	_, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	a, err := fx.st.GetAssetByPath(context.Background(), oldPath)
	require.NoError(t, err)

	newPath := filepath.Join(fx.library, "renamed.jpg")
	require.NoError(t, os.Rename(oldPath, newPath))

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Moved)
	assert.Zero(t, res.New)
	assert.Zero(t, res.Missing)

	got, err := fx.st.GetAsset(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, newPath, got.Path)
	assert.Equal(t, store.AssetActive, got.Status)
}

func TestScanMarksMissingAndReactivates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	path := fx.writeJPEG(t, "flaky.jpg", 6)

	_, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	a, err := fx.st.GetAssetByPath(context.Background(), path)
	require.NoError(t, err)

	// File disappears between passes.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Missing)

	got, err := fx.st.GetAsset(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AssetMissing, got.Status)

	// Content comes back: same row reactivates, nothing new is created.
	require.NoError(t, os.WriteFile(path, raw, 0o640))
	res, err = fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Reactivated)
	assert.Zero(t, res.New)

	got, err = fx.st.GetAsset(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AssetActive, got.Status)
}

func TestScanDedupsCopies(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	p1 := fx.writeJPEG(t, "one.jpg", 7)
	raw, err := os.ReadFile(p1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(fx.library, "copy.jpg"), raw, 0o640))

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Scanned)
	// One asset row; the second sighting registers as moved or unchanged,
	// depending on walk order.
	assert.Equal(t, int64(1), res.New)

	_, total, err := fx.st.ListAssets(context.Background(), store.AssetFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestScanWithoutRootsFails(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.scanner.cfg.OriginalsPaths = nil
	_, err := fx.scanner.Scan(context.Background(), nil)
	require.Error(t, err)
}

func TestScanHonorsOnFileCallback(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeJPEG(t, "a.jpg", 8)
	fx.writeJPEG(t, "b.jpg", 9)

	var calls int
	fx.scanner.OnFile = func(string, Result) { calls++ }
	_, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestScanReactivationSkipsSurvivingDerivations(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	path := fx.writeJPEG(t, "kept.jpg", 10)

	_, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	a, err := fx.st.GetAssetByPath(context.Background(), path)
	require.NoError(t, err)

	// Simulate the pipeline having produced everything except faces.
	for _, size := range engine.DefaultThumbnailSizes {
		_, err = fx.scanner.artifacts.Write(a.ID, artifacts.ThumbName(size), []byte("thumb"))
		require.NoError(t, err)
	}
	im := fx.scanner.reg.ImageEmbedder.ModelInfo()
	require.NoError(t, fx.st.UpsertEmbedding(context.Background(), &store.Embedding{
		OwnerKind: store.OwnerAsset, OwnerID: a.ID,
		Modality:  store.ModalityImage,
		ModelName: im.Name, ModelVersion: im.Version,
		Vector: make([]float32, 4),
	}))
	cm := fx.scanner.reg.Captioner.ModelInfo()
	_, err = fx.st.UpsertCaption(context.Background(), &store.Caption{
		AssetID: a.ID, ModelName: cm.Name, ModelVersion: cm.Version, Body: "kept",
	})
	require.NoError(t, err)

	// Drain the original fan-out so requeues are visible.
	for {
		task, err := fx.st.ClaimNextTask(context.Background())
		if err != nil {
			break
		}
		require.NoError(t, fx.st.CompleteTask(context.Background(), task.ID))
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	_, err = fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o640))

	res, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Reactivated)

	// Only the face detection is re-derived.
	tasks, _, err := fx.st.ListTasks(context.Background(), store.TaskFilter{State: store.TaskPending})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, engine.TypeDetectFaces, tasks[0].Type)
}

func TestScanCancellation(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeJPEG(t, "a.jpg", 11)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.scanner.Scan(ctx, nil)
	require.Error(t, err)
}

func TestScanPreservesTimestampsOnTouch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	path := fx.writeJPEG(t, "ts.jpg", 12)

	_, err := fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)
	before, err := fx.st.GetAssetByPath(context.Background(), path)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = fx.scanner.Scan(context.Background(), nil)
	require.NoError(t, err)

	after, err := fx.st.GetAssetByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	require.NotNil(t, after.LastSeenAt)
	require.NotNil(t, before.LastSeenAt)
	assert.False(t, after.LastSeenAt.Before(*before.LastSeenAt))
}
