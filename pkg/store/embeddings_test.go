// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertEmbeddingReplacesAndBumpsSeq(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/e.jpg", "emb-1")
	require.NoError(t, st.CreateAsset(ctx, a))

	seq0, err := st.EmbeddingsChangeSeq(ctx)
	require.NoError(t, err)

	e := &Embedding{
		OwnerKind: OwnerAsset, OwnerID: a.ID,
		Modality:  ModalityImage,
		ModelName: "clip-stub", ModelVersion: "1",
		Vector: []float32{0.6, 0.8},
	}
	require.NoError(t, st.UpsertEmbedding(ctx, e))
	assert.Equal(t, 2, e.Dim)

	seq1, err := st.EmbeddingsChangeSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq0+1, seq1)

	// Re-upserting the same key replaces the row.
	replacement := &Embedding{
		OwnerKind: OwnerAsset, OwnerID: a.ID,
		Modality:  ModalityImage,
		ModelName: "clip-stub", ModelVersion: "1",
		Vector: []float32{0.8, 0.6},
	}
	require.NoError(t, st.UpsertEmbedding(ctx, replacement))

	got, err := st.GetEmbedding(ctx, OwnerAsset, a.ID, ModalityImage, "clip-stub", "1")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, got.ID)
	assert.InDelta(t, 0.8, got.Vector[0], 1e-6)

	n, err := st.CountEmbeddings(ctx, ModalityImage, "clip-stub", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertEmbeddingRepointsFace(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/e.jpg", "emb-2")
	require.NoError(t, st.CreateAsset(ctx, a))
	f := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0})

	// A model re-run replaces the face embedding; the face row follows.
	replacement := &Embedding{
		OwnerKind: OwnerFace, OwnerID: f.ID,
		Modality:  ModalityFace,
		ModelName: "facenet-stub", ModelVersion: "1",
		Vector: []float32{0, 1},
	}
	require.NoError(t, st.UpsertEmbedding(ctx, replacement))

	got, err := st.GetFace(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EmbeddingID)
	assert.Equal(t, replacement.ID, *got.EmbeddingID)

	// Face-modality writes do not touch the image change counter beyond the
	// initial state.
	seq, err := st.EmbeddingsChangeSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestForEachEmbeddingStreamsInOwnerOrder(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	ids := []string{"c", "a", "b"}
	for i, suffix := range ids {
		asset := testAsset("/photos/"+suffix+".jpg", "stream-"+suffix)
		asset.ID = "asset-" + suffix
		require.NoError(t, st.CreateAsset(ctx, asset))
		require.NoError(t, st.UpsertEmbedding(ctx, &Embedding{
			OwnerKind: OwnerAsset, OwnerID: asset.ID,
			Modality:  ModalityImage,
			ModelName: "clip-stub", ModelVersion: "1",
			Vector: []float32{float32(i), 1},
		}))
	}

	var seen []string
	err := st.ForEachEmbedding(ctx, ModalityImage, "clip-stub", "1", func(e *Embedding) error {
		seen = append(seen, e.OwnerID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"asset-a", "asset-b", "asset-c"}, seen)
}

func TestDeleteEmbeddingsForOwner(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/e.jpg", "emb-3")
	require.NoError(t, st.CreateAsset(ctx, a))
	require.NoError(t, st.UpsertEmbedding(ctx, &Embedding{
		OwnerKind: OwnerAsset, OwnerID: a.ID,
		Modality:  ModalityImage,
		ModelName: "clip-stub", ModelVersion: "1",
		Vector: []float32{1, 0},
	}))

	seqBefore, err := st.EmbeddingsChangeSeq(ctx)
	require.NoError(t, err)

	require.NoError(t, st.DeleteEmbeddingsForOwner(ctx, OwnerAsset, a.ID))

	_, err = st.GetEmbedding(ctx, OwnerAsset, a.ID, ModalityImage, "clip-stub", "1")
	require.ErrorIs(t, err, ErrNotFound)

	seqAfter, err := st.EmbeddingsChangeSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seqBefore+1, seqAfter)
}
