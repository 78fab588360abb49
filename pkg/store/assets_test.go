// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssetDedupsBySHA256(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/a.jpg", "sha-1")
	require.NoError(t, st.CreateAsset(ctx, a))
	require.NotEmpty(t, a.ID)
	assert.Equal(t, AssetActive, a.Status)

	// Same content at another path is the same asset.
	dup := testAsset("/photos/copy-of-a.jpg", "sha-1")
	err := st.CreateAsset(ctx, dup)
	require.ErrorIs(t, err, ErrAlreadyExists)

	got, err := st.GetAssetBySHA256(ctx, "sha-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "/photos/a.jpg", got.Path)
}

func TestCreateAssetWithTasksIsAtomic(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/b.jpg", "sha-2")
	tasks, err := st.CreateAssetWithTasks(ctx, a, []*Task{
		{Type: "generate_thumbnail", Priority: 10},
		{Type: "embed_image", Priority: 20},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	n, err := st.CountPendingBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// A duplicate asset rolls the whole fan-out back.
	_, err = st.CreateAssetWithTasks(ctx, testAsset("/photos/b2.jpg", "sha-2"), []*Task{
		{Type: "generate_thumbnail", Priority: 10},
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	n, err = st.CountPendingBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTouchAssetSeenRecordsMove(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/old.jpg", "sha-3")
	require.NoError(t, st.CreateAsset(ctx, a))

	require.NoError(t, st.TouchAssetSeen(ctx, a.ID, "/photos/new.jpg", 2048, 42))

	got, err := st.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "/photos/new.jpg", got.Path)
	assert.Equal(t, int64(2048), got.SizeBytes)
	assert.Equal(t, int64(42), got.MtimeNS)

	_, err = st.GetAssetByPath(ctx, "/photos/new.jpg")
	require.NoError(t, err)
}

func TestMarkMissingAndReactivate(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/gone.jpg", "sha-4")
	require.NoError(t, st.CreateAsset(ctx, a))
	outside := testAsset("/other/kept.jpg", "sha-5")
	require.NoError(t, st.CreateAsset(ctx, outside))

	// Everything under /photos unseen since the future cutoff goes missing;
	// the asset outside the scanned roots is untouched.
	n, err := st.MarkMissingUnderRoots(ctx, []string{"/photos"}, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AssetMissing, got.Status)
	got, err = st.GetAsset(ctx, outside.ID)
	require.NoError(t, err)
	assert.Equal(t, AssetActive, got.Status)

	// The content reappearing at a new path reactivates the same row.
	require.NoError(t, st.ReactivateAsset(ctx, a.ID, "/photos/restored.jpg", 1024, 7))
	got, err = st.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AssetActive, got.Status)
	assert.Equal(t, "/photos/restored.jpg", got.Path)
}

func TestListAssetsPagination(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	for _, sha := range []string{"p1", "p2", "p3"} {
		require.NoError(t, st.CreateAsset(ctx, testAsset("/photos/"+sha+".jpg", sha)))
	}
	video := testAsset("/photos/clip.mp4", "v1")
	video.MIME = "video/mp4"
	require.NoError(t, st.CreateAsset(ctx, video))

	assets, total, err := st.ListAssets(ctx, AssetFilter{MIMEPrefix: "image/"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, assets, 3)

	assets, total, err = st.ListAssets(ctx, AssetFilter{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, assets, 1)
}

func TestNearDuplicates(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	ref := testAsset("/photos/ref.jpg", "nd-1")
	ref.PHash = 0b1111_0000
	require.NoError(t, st.CreateAsset(ctx, ref))

	close1 := testAsset("/photos/close.jpg", "nd-2")
	close1.PHash = 0b1111_0001 // distance 1
	require.NoError(t, st.CreateAsset(ctx, close1))

	far := testAsset("/photos/far.jpg", "nd-3")
	far.PHash = ^uint64(0)
	require.NoError(t, st.CreateAsset(ctx, far))

	unhashed := testAsset("/photos/unhashed.jpg", "nd-4")
	require.NoError(t, st.CreateAsset(ctx, unhashed))

	dups, err := st.NearDuplicates(ctx, ref.ID, 6)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, close1.ID, dups[0].Asset.ID)
	assert.Equal(t, 1, dups[0].Distance)
}

func TestUpdateAssetMetadata(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/meta.jpg", "md-1")
	require.NoError(t, st.CreateAsset(ctx, a))

	taken := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	lat, lon := 52.52, 13.405
	a.TakenAt = &taken
	a.CameraMake = "Fujifilm"
	a.CameraModel = "X100V"
	a.GPSLat, a.GPSLon = &lat, &lon
	a.PHash = 12345
	require.NoError(t, st.UpdateAssetMetadata(ctx, a))

	got, err := st.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TakenAt)
	assert.True(t, got.TakenAt.Equal(taken))
	assert.Equal(t, "Fujifilm", got.CameraMake)
	require.NotNil(t, got.GPSLat)
	assert.InDelta(t, 52.52, *got.GPSLat, 1e-9)
	assert.Equal(t, uint64(12345), got.PHash)
}
