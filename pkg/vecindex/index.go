// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vecindex implements the flat inner-product vector index over
// L2-normalized image embeddings.
//
// Exactness over speed: similarity search scans every row. The index is
// rebuildable from the metadata store at any time, so the persisted snapshot
// is a cache, never a source of truth.
//
// Concurrency follows a single-writer/many-reader policy: queries read an
// immutable snapshot through an atomic pointer and never block; mutations
// serialize on a mutex, copy, then swap the pointer.
package vecindex

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/vecmath"
)

// Meta identifies the embedding space an index is valid for. A persisted
// snapshot whose meta disagrees with the configured model is discarded.
type Meta struct {
	ModelName    string
	ModelVersion string
	Dim          int
}

// Hit is one search result: an owner id and its inner-product score.
type Hit struct {
	ID    string
	Score float64
}

// snapshot is an immutable view: parallel id table and row-major packed
// vectors. Readers hold it only through the atomic pointer.
type snapshot struct {
	ids     []string
	vectors []float32 // len(ids) rows of dim values
	byID    map[string]int
}

func emptySnapshot() *snapshot {
	return &snapshot{byID: map[string]int{}}
}

// Index is the in-memory flat index.
type Index struct {
	meta Meta

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]

	// changeSeq is the store's embeddings change counter captured at the
	// last load or rebuild; health compares it against the live value to
	// report staleness.
	changeSeq atomic.Int64
}

// New creates an empty index for one embedding space.
func New(meta Meta) (*Index, error) {
	if meta.Dim <= 0 {
		return nil, errors.NewValidationError("index dimension must be positive", nil)
	}
	idx := &Index{meta: meta}
	idx.snap.Store(emptySnapshot())
	return idx, nil
}

// Meta returns the embedding space the index serves.
func (x *Index) Meta() Meta { return x.meta }

// Size returns the number of indexed vectors.
func (x *Index) Size() int {
	return len(x.snap.Load().ids)
}

// ChangeSeq returns the store change counter captured at the last load or
// rebuild.
func (x *Index) ChangeSeq() int64 { return x.changeSeq.Load() }

// SetChangeSeq records the store change counter the current contents
// correspond to.
func (x *Index) SetChangeSeq(seq int64) { x.changeSeq.Store(seq) }

// Add inserts or replaces one vector. The input is normalized defensively;
// a dimension mismatch is a validation error.
func (x *Index) Add(id string, vec []float32) error {
	if len(vec) != x.meta.Dim {
		return errors.NewValidationError(
			fmt.Sprintf("vector dimension %d does not match index dimension %d",
				len(vec), x.meta.Dim), nil)
	}
	norm := vecmath.Normalize(vec)

	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	next := cur.clone()
	if row, ok := next.byID[id]; ok {
		copy(next.vectors[row*x.meta.Dim:], norm)
	} else {
		next.byID[id] = len(next.ids)
		next.ids = append(next.ids, id)
		next.vectors = append(next.vectors, norm...)
	}
	x.snap.Store(next)
	return nil
}

// Remove deletes one vector; absent ids are a no-op.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	row, ok := cur.byID[id]
	if !ok {
		return
	}
	dim := x.meta.Dim
	next := emptySnapshot()
	next.ids = make([]string, 0, len(cur.ids)-1)
	next.vectors = make([]float32, 0, (len(cur.ids)-1)*dim)
	for i, cid := range cur.ids {
		if i == row {
			continue
		}
		next.byID[cid] = len(next.ids)
		next.ids = append(next.ids, cid)
		next.vectors = append(next.vectors, cur.vectors[i*dim:(i+1)*dim]...)
	}
	x.snap.Store(next)
}

// Replace swaps the whole contents in one step. The rebuild task constructs
// the new rows off to the side and publishes them here, so readers never see
// a half-built index.
func (x *Index) Replace(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return errors.NewValidationError("ids and vectors length mismatch", nil)
	}
	next := emptySnapshot()
	next.ids = make([]string, 0, len(ids))
	next.vectors = make([]float32, 0, len(ids)*x.meta.Dim)
	for i, id := range ids {
		if len(vectors[i]) != x.meta.Dim {
			return errors.NewValidationError(
				fmt.Sprintf("vector %d dimension %d does not match index dimension %d",
					i, len(vectors[i]), x.meta.Dim), nil)
		}
		next.byID[id] = len(next.ids)
		next.ids = append(next.ids, id)
		next.vectors = append(next.vectors, vecmath.Normalize(vectors[i])...)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.snap.Store(next)
	return nil
}

// Search returns the k nearest rows by inner product, descending, ties
// broken by id ascending. An empty index returns an empty slice.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != x.meta.Dim {
		return nil, errors.NewValidationError(
			fmt.Sprintf("query dimension %d does not match index dimension %d",
				len(query), x.meta.Dim), nil)
	}
	if k < 1 {
		return nil, errors.NewValidationError("k must be positive", nil)
	}
	q := vecmath.Normalize(query)

	snap := x.snap.Load()
	dim := x.meta.Dim
	hits := make([]Hit, len(snap.ids))
	for i, id := range snap.ids {
		hits[i] = Hit{
			ID:    id,
			Score: vecmath.InnerProduct(q, snap.vectors[i*dim:(i+1)*dim]),
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Get returns the stored vector for one id.
func (x *Index) Get(id string) ([]float32, bool) {
	snap := x.snap.Load()
	row, ok := snap.byID[id]
	if !ok {
		return nil, false
	}
	dim := x.meta.Dim
	out := make([]float32, dim)
	copy(out, snap.vectors[row*dim:(row+1)*dim])
	return out, true
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		ids:     make([]string, len(s.ids)),
		vectors: make([]float32, len(s.vectors)),
		byID:    make(map[string]int, len(s.byID)),
	}
	copy(next.ids, s.ids)
	copy(next.vectors, s.vectors)
	for k, v := range s.byID {
		next.byID[k] = v
	}
	return next
}
