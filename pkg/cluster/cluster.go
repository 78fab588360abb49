// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cluster groups face embeddings into persons. Two paths exist:
// cheap incremental assignment as each face embedding lands, and a full
// agglomerative re-cluster that rebuilds the partition from scratch.
package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/logger"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
	"github.com/darkroomlabs/darkroom/pkg/vecmath"
)

// progressStep is how many faces a full recluster processes between
// progress reports and cancellation checks.
const progressStep = 256

// Thresholds tune the similarity cut-offs, all on inner product of unit
// vectors (so cosine similarity).
type Thresholds struct {
	// Assign is the minimum similarity to an existing person's centroid
	// for incremental assignment.
	Assign float64
	// Margin is the minimum lead over the runner-up centroid; an ambiguous
	// face starts a new person rather than polluting two clusters.
	Margin float64
	// Cluster is the single-linkage stop threshold for the full recluster.
	Cluster float64
}

// Service owns the person partition. A single mutex serializes incremental
// assignment against the full recluster so centroid updates never interleave
// with a partition rebuild.
type Service struct {
	st      *store.Store
	metrics *telemetry.Metrics
	th      Thresholds

	mu sync.Mutex
}

// NewService builds a clusterer over the given store.
func NewService(st *store.Store, metrics *telemetry.Metrics, th Thresholds) *Service {
	return &Service{st: st, metrics: metrics, th: th}
}

// AssignIncremental places one newly embedded face: into the best matching
// person when the match is confident and unambiguous, otherwise into a
// fresh person. Returns the person and whether it was created.
func (s *Service) AssignIncremental(ctx context.Context, faceID string, vec []float32) (*store.Person, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persons, err := s.st.ListActivePersons(ctx)
	if err != nil {
		return nil, false, err
	}

	best, second := -1.0, -1.0
	var bestPerson *store.Person
	for _, p := range persons {
		if len(p.Centroid) != len(vec) {
			continue
		}
		sim := vecmath.InnerProduct(p.Centroid, vec)
		if sim > best {
			second = best
			best = sim
			bestPerson = p
		} else if sim > second {
			second = sim
		}
	}

	if bestPerson != nil && best >= s.th.Assign && best-second >= s.th.Margin {
		centroid := vecmath.RunningMean(bestPerson.Centroid, bestPerson.MemberCount, vec)
		if err := s.st.AssignFaceToPerson(ctx, faceID, bestPerson.ID, centroid, bestPerson.MemberCount+1); err != nil {
			return nil, false, err
		}
		logger.Debugw("face assigned to person",
			"face_id", faceID, "person_id", bestPerson.ID,
			"similarity", best, "margin", best-second)
		return bestPerson, false, nil
	}

	p, err := s.st.AssignFaceToNewPerson(ctx, faceID, vec)
	if err != nil {
		return nil, false, err
	}
	logger.Debugw("face started new person",
		"face_id", faceID, "person_id", p.ID, "best_similarity", best)
	s.refreshPersonsGauge(ctx)
	return p, true, nil
}

// FullRecluster rebuilds the entire person partition from the face
// embeddings of one model. Nothing is persisted until the final commit;
// cancellation mid-run leaves the existing partition untouched.
//
// The similarity graph uses single linkage: faces joined by any chain of
// pairwise similarities at or above the cluster threshold land in one
// person. Existing persons are remapped onto the new partition by best
// face overlap so display names survive the rebuild.
func (s *Service) FullRecluster(ctx context.Context, modelName, modelVersion string,
	progress func(done, total int64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vectors, err := s.st.ListFaceVectors(ctx, modelName, modelVersion)
	if err != nil {
		return err
	}
	logger.Infow("full recluster starting",
		"faces", len(vectors), "model", modelName, "version", modelVersion)
	if len(vectors) == 0 {
		return s.st.ReplacePersonAssignments(ctx, nil)
	}

	parent := newUnionFind(len(vectors))
	for i := range vectors {
		if i%progressStep == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return errors.NewCancelledError("recluster cancelled", cerr)
			}
			if progress != nil {
				progress(int64(i), int64(len(vectors)))
			}
		}
		for j := i + 1; j < len(vectors); j++ {
			if len(vectors[i].Vector) != len(vectors[j].Vector) {
				continue
			}
			if vecmath.InnerProduct(vectors[i].Vector, vectors[j].Vector) >= s.th.Cluster {
				parent.union(i, j)
			}
		}
	}
	if progress != nil {
		progress(int64(len(vectors)), int64(len(vectors)))
	}

	components := map[int][]int{}
	for i := range vectors {
		root := parent.find(i)
		components[root] = append(components[root], i)
	}

	assignments := s.buildAssignments(vectors, components)
	if cerr := ctx.Err(); cerr != nil {
		return errors.NewCancelledError("recluster cancelled before commit", cerr)
	}
	if err := s.st.ReplacePersonAssignments(ctx, assignments); err != nil {
		return err
	}
	logger.Infow("full recluster committed",
		"faces", len(vectors), "persons", len(assignments))
	s.refreshPersonsGauge(ctx)
	return nil
}

// buildAssignments turns connected components into person assignments,
// remapping existing person ids onto the component they overlap most.
func (s *Service) buildAssignments(vectors []store.FaceVector, components map[int][]int) []store.PersonAssignment {
	type component struct {
		members []int
		overlap map[string]int // existing person id -> member count
	}
	comps := make([]component, 0, len(components))
	for _, members := range components {
		sort.Ints(members)
		c := component{members: members, overlap: map[string]int{}}
		for _, idx := range members {
			if pid := vectors[idx].PersonID; pid != nil {
				c.overlap[*pid]++
			}
		}
		comps = append(comps, c)
	}
	// Deterministic order: by first member's face id.
	sort.Slice(comps, func(i, j int) bool {
		return vectors[comps[i].members[0]].FaceID < vectors[comps[j].members[0]].FaceID
	})

	// Greedy best-overlap matching: largest overlaps claim their person
	// first, each person reused at most once.
	type claim struct {
		comp   int
		person string
		count  int
	}
	var claims []claim
	for ci, c := range comps {
		for pid, n := range c.overlap {
			claims = append(claims, claim{comp: ci, person: pid, count: n})
		}
	}
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].count != claims[j].count {
			return claims[i].count > claims[j].count
		}
		return claims[i].person < claims[j].person
	})
	compPerson := make([]string, len(comps))
	personTaken := map[string]bool{}
	for _, cl := range claims {
		if compPerson[cl.comp] != "" || personTaken[cl.person] {
			continue
		}
		compPerson[cl.comp] = cl.person
		personTaken[cl.person] = true
	}

	out := make([]store.PersonAssignment, 0, len(comps))
	for ci, c := range comps {
		vecs := make([][]float32, 0, len(c.members))
		faceIDs := make([]string, 0, len(c.members))
		for _, idx := range c.members {
			vecs = append(vecs, vectors[idx].Vector)
			faceIDs = append(faceIDs, vectors[idx].FaceID)
		}
		out = append(out, store.PersonAssignment{
			PersonID: compPerson[ci],
			FaceIDs:  faceIDs,
			Centroid: vecmath.Mean(vecs),
		})
	}
	return out
}

func (s *Service) refreshPersonsGauge(ctx context.Context) {
	counts, err := s.st.CountPersonsByStatus(ctx)
	if err != nil {
		return
	}
	s.metrics.PersonsTotal.Set(float64(counts[store.PersonActive]))
}

// unionFind is a plain disjoint-set with path halving and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
		u.size[i] = 1
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}
