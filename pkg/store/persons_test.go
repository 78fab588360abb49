// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addFaceWithEmbedding creates a face on the asset and attaches a stored
// face embedding carrying vec.
func addFaceWithEmbedding(t *testing.T, st *Store, assetID string, vec []float32) *Face {
	t.Helper()
	ctx := context.Background()
	f := &Face{AssetID: assetID, X: 10, Y: 10, W: 50, H: 50, DetScore: 0.9}
	require.NoError(t, st.CreateFace(ctx, f))

	e := &Embedding{
		OwnerKind:    OwnerFace,
		OwnerID:      f.ID,
		Modality:     ModalityFace,
		ModelName:    "facenet-stub",
		ModelVersion: "1",
		Vector:       vec,
	}
	require.NoError(t, st.UpsertEmbedding(ctx, e))
	require.NoError(t, st.AttachFaceEmbedding(ctx, f.ID, e.ID))
	f.EmbeddingID = &e.ID
	return f
}

func TestAssignFaceToNewPerson(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/p.jpg", "face-1")
	require.NoError(t, st.CreateAsset(ctx, a))
	f := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0, 0, 0})

	p, err := st.AssignFaceToNewPerson(ctx, f.ID, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, p.MemberCount)
	assert.Equal(t, PersonActive, p.Status)
	require.NotNil(t, p.CoverFaceID)
	assert.Equal(t, f.ID, *p.CoverFaceID)

	got, err := st.GetFace(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PersonID)
	assert.Equal(t, p.ID, *got.PersonID)
}

func TestAssignFaceToPersonAdvancesCentroid(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/p.jpg", "face-2")
	require.NoError(t, st.CreateAsset(ctx, a))
	f1 := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0, 0, 0})
	f2 := addFaceWithEmbedding(t, st, a.ID, []float32{0, 1, 0, 0})

	p, err := st.AssignFaceToNewPerson(ctx, f1.ID, []float32{1, 0, 0, 0})
	require.NoError(t, err)

	newCentroid := []float32{0.7071, 0.7071, 0, 0}
	require.NoError(t, st.AssignFaceToPerson(ctx, f2.ID, p.ID, newCentroid, 2))

	got, err := st.GetPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MemberCount)
	assert.InDelta(t, 0.7071, got.Centroid[0], 1e-4)
	assert.InDelta(t, 0.7071, got.Centroid[1], 1e-4)
}

func TestMergePersons(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/p.jpg", "face-3")
	require.NoError(t, st.CreateAsset(ctx, a))
	f1 := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0, 0, 0})
	f2 := addFaceWithEmbedding(t, st, a.ID, []float32{0, 1, 0, 0})

	target, err := st.AssignFaceToNewPerson(ctx, f1.ID, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	source, err := st.AssignFaceToNewPerson(ctx, f2.ID, []float32{0, 1, 0, 0})
	require.NoError(t, err)

	merged, err := st.MergePersons(ctx, target.ID, []string{source.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, merged.MemberCount)

	// The source keeps its row but no longer owns faces.
	src, err := st.GetPerson(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, PersonMerged, src.Status)
	assert.Zero(t, src.MemberCount)

	faces, err := st.ListFacesByPerson(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, faces, 2)

	// Re-running the merge is a no-op.
	again, err := st.MergePersons(ctx, target.ID, []string{source.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, again.MemberCount)

	// Self-merge is rejected.
	_, err = st.MergePersons(ctx, target.ID, []string{target.ID})
	require.ErrorIs(t, err, ErrInvalidState)

	records, err := st.ListAudit(ctx, "person", target.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "persons.merge", records[0].Op)
}

func TestSplitFaces(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/p.jpg", "face-4")
	require.NoError(t, st.CreateAsset(ctx, a))
	f1 := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0, 0, 0})
	f2 := addFaceWithEmbedding(t, st, a.ID, []float32{0, 1, 0, 0})
	f3 := addFaceWithEmbedding(t, st, a.ID, []float32{0, 0, 1, 0})

	p, err := st.AssignFaceToNewPerson(ctx, f1.ID, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, st.AssignFaceToPerson(ctx, f2.ID, p.ID, []float32{0.7071, 0.7071, 0, 0}, 2))
	require.NoError(t, st.AssignFaceToPerson(ctx, f3.ID, p.ID, []float32{0.5774, 0.5774, 0.5774, 0}, 3))

	fresh, err := st.SplitFaces(ctx, p.ID, []string{f2.ID, f3.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.MemberCount)
	assert.NotEqual(t, p.ID, fresh.ID)

	orig, err := st.GetPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, orig.MemberCount)
	assert.Equal(t, PersonActive, orig.Status)

	faces, err := st.ListFacesByPerson(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Len(t, faces, 2)

	// Splitting a face that does not belong to the person fails.
	_, err = st.SplitFaces(ctx, fresh.ID, []string{f1.ID})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSplitFacesWithoutEmbeddings(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/p.jpg", "face-split-pending")
	require.NoError(t, st.CreateAsset(ctx, a))
	f1 := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0, 0, 0})
	pending := &Face{AssetID: a.ID, X: 10, Y: 10, W: 50, H: 50, DetScore: 0.8}
	require.NoError(t, st.CreateFace(ctx, pending))

	p, err := st.AssignFaceToNewPerson(ctx, f1.ID, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, st.AssignFacePerson(ctx, pending.ID, &p.ID))

	// A face still awaiting its embedding splits off fine; the fresh person
	// inherits the source centroid until a recompute.
	fresh, err := st.SplitFaces(ctx, p.ID, []string{pending.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.MemberCount)
	assert.Equal(t, []float32{1, 0, 0, 0}, fresh.Centroid)

	moved, err := st.GetFace(ctx, pending.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.PersonID)
	assert.Equal(t, fresh.ID, *moved.PersonID)

	orig, err := st.GetPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, orig.MemberCount)
}

func TestRenamePerson(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/p.jpg", "face-5")
	require.NoError(t, st.CreateAsset(ctx, a))
	f := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0, 0, 0})
	p, err := st.AssignFaceToNewPerson(ctx, f.ID, []float32{1, 0, 0, 0})
	require.NoError(t, err)

	require.NoError(t, st.RenamePerson(ctx, p.ID, "Ada"))
	got, err := st.GetPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.DisplayName)

	require.ErrorIs(t, st.RenamePerson(ctx, p.ID, ""), ErrInvalidState)
	require.ErrorIs(t, st.RenamePerson(ctx, "no-such-person", "Bob"), ErrNotFound)

	persons, total, err := st.ListPersons(ctx, PersonFilter{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, persons, 1)
	assert.Equal(t, p.ID, persons[0].ID)
}

func TestReplacePersonAssignments(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := testAsset("/photos/p.jpg", "face-6")
	require.NoError(t, st.CreateAsset(ctx, a))
	f1 := addFaceWithEmbedding(t, st, a.ID, []float32{1, 0, 0, 0})
	f2 := addFaceWithEmbedding(t, st, a.ID, []float32{0, 1, 0, 0})
	f3 := addFaceWithEmbedding(t, st, a.ID, []float32{0, 0, 1, 0})

	keep, err := st.AssignFaceToNewPerson(ctx, f1.ID, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, st.RenamePerson(ctx, keep.ID, "Ada"))
	retire, err := st.AssignFaceToNewPerson(ctx, f2.ID, []float32{0, 1, 0, 0})
	require.NoError(t, err)

	err = st.ReplacePersonAssignments(ctx, []PersonAssignment{
		{PersonID: keep.ID, FaceIDs: []string{f1.ID, f2.ID}, Centroid: []float32{0.7071, 0.7071, 0, 0}},
		{FaceIDs: []string{f3.ID}, Centroid: []float32{0, 0, 1, 0}},
	})
	require.NoError(t, err)

	// The reused person kept its name and gained the second face.
	got, err := st.GetPerson(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.Equal(t, 2, got.MemberCount)
	assert.Equal(t, PersonActive, got.Status)

	// The person absent from the new partition was retired.
	gone, err := st.GetPerson(ctx, retire.ID)
	require.NoError(t, err)
	assert.Equal(t, PersonMerged, gone.Status)

	// The third face landed on a freshly created person.
	face, err := st.GetFace(ctx, f3.ID)
	require.NoError(t, err)
	require.NotNil(t, face.PersonID)
	assert.NotEqual(t, keep.ID, *face.PersonID)
	assert.NotEqual(t, retire.ID, *face.PersonID)
}
