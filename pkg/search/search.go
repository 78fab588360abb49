// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package search ranks assets against text queries, example assets and
// person names. Vector similarity comes from the in-memory index; the
// hybrid score folds in person membership and recency.
package search

import (
	"context"
	stderrors "errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

// Weights are the hybrid scoring coefficients:
// score = Alpha*cosine + Beta*person_bonus + Gamma*exp(-age/Tau).
type Weights struct {
	Alpha float64
	Beta  float64
	Gamma float64
	Tau   time.Duration
}

// Options filter and page a search.
type Options struct {
	PersonID    string
	MIMEPrefix  string
	TakenAfter  *time.Time
	TakenBefore *time.Time
	Page        int
	PageSize    int
}

// Hit is one ranked result.
type Hit struct {
	Asset  *store.Asset `json:"asset"`
	Score  float64      `json:"score"`
	Cosine float64      `json:"cosine"`
}

// Service executes searches. Construct with NewService.
type Service struct {
	st       *store.Store
	index    *vecindex.Index
	embedder providers.TextEmbedder
	metrics  *telemetry.Metrics
	weights  Weights

	// now is replaceable so recency scoring is testable.
	now func() time.Time
}

// NewService builds the search service.
func NewService(st *store.Store, index *vecindex.Index, embedder providers.TextEmbedder,
	metrics *telemetry.Metrics, w Weights) *Service {
	return &Service{
		st: st, index: index, embedder: embedder, metrics: metrics,
		weights: w, now: time.Now,
	}
}

// SearchText embeds the query and ranks assets against it.
func (s *Service) SearchText(ctx context.Context, q string, opts Options) ([]Hit, int, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, 0, errors.NewValidationError("query must not be empty", nil)
	}
	s.metrics.SearchRequests.WithLabelValues("text").Inc()

	vec, err := s.embedder.EmbedText(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	return s.rank(ctx, vec, "", opts)
}

// SearchSimilar ranks assets against one asset's own image embedding,
// excluding the asset itself.
func (s *Service) SearchSimilar(ctx context.Context, assetID string, opts Options) ([]Hit, int, error) {
	s.metrics.SearchRequests.WithLabelValues("similar").Inc()

	vec, ok := s.index.Get(assetID)
	if !ok {
		// The index may be freshly rebuilt under a different model; the
		// store is the fallback source of truth.
		meta := s.index.Meta()
		emb, err := s.st.GetEmbedding(ctx, store.OwnerAsset, assetID,
			store.ModalityImage, meta.ModelName, meta.ModelVersion)
		if err != nil {
			if stderrors.Is(err, store.ErrNotFound) {
				return nil, 0, errors.NewNotFoundError("asset has no image embedding", err)
			}
			return nil, 0, err
		}
		vec = emb.Vector
	}
	return s.rank(ctx, vec, assetID, opts)
}

// SearchPersonName resolves active persons whose display name contains the
// given substring, case-insensitive, and returns the union of their assets,
// newest capture first.
func (s *Service) SearchPersonName(ctx context.Context, substr string, opts Options) ([]*store.Asset, int, error) {
	substr = strings.TrimSpace(substr)
	if substr == "" {
		return nil, 0, errors.NewValidationError("person name must not be empty", nil)
	}
	s.metrics.SearchRequests.WithLabelValues("person").Inc()
	return s.st.ListAssetsByPersonName(ctx, substr, opts.Page, opts.PageSize)
}

// rank scores every indexed vector against the query, applies filters, and
// pages the result. The flat index is scanned in full so totals are exact.
func (s *Service) rank(ctx context.Context, query []float32, excludeID string, opts Options) ([]Hit, int, error) {
	// An empty index is a valid state (fresh install, pre-rebuild), not a
	// bad request.
	if s.index.Size() == 0 {
		return []Hit{}, 0, nil
	}
	candidates, err := s.index.Search(query, s.index.Size())
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) == 0 {
		return []Hit{}, 0, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != excludeID {
			ids = append(ids, c.ID)
		}
	}
	assets, err := s.st.GetAssetsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	var personAssets map[string]int
	if opts.PersonID != "" {
		personAssets, err = s.st.ListAssetIDsByPerson(ctx, opts.PersonID)
		if err != nil {
			return nil, 0, err
		}
	}

	now := s.now()
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == excludeID {
			continue
		}
		a, ok := assets[c.ID]
		if !ok || a.Status != store.AssetActive {
			continue
		}
		if opts.MIMEPrefix != "" && !strings.HasPrefix(a.MIME, opts.MIMEPrefix) {
			continue
		}
		taken := a.TakenAt
		if opts.TakenAfter != nil && (taken == nil || taken.Before(*opts.TakenAfter)) {
			continue
		}
		if opts.TakenBefore != nil && (taken == nil || taken.After(*opts.TakenBefore)) {
			continue
		}
		bonus := 0.0
		if opts.PersonID != "" {
			if _, member := personAssets[a.ID]; !member {
				continue
			}
			bonus = 1.0
		}
		hits = append(hits, Hit{
			Asset:  a,
			Cosine: c.Score,
			Score: s.weights.Alpha*c.Score +
				s.weights.Beta*bonus +
				s.weights.Gamma*s.recency(a, now),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Asset.ID < hits[j].Asset.ID
	})

	total := len(hits)
	page, size := opts.Page, opts.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	lo := (page - 1) * size
	if lo >= total {
		return []Hit{}, total, nil
	}
	hi := lo + size
	if hi > total {
		hi = total
	}
	return hits[lo:hi], total, nil
}

// recency decays from 1 toward 0 as the asset ages. Capture time falls back
// to file mtime when EXIF had none.
func (s *Service) recency(a *store.Asset, now time.Time) float64 {
	var ref time.Time
	if a.TakenAt != nil {
		ref = *a.TakenAt
	} else {
		ref = time.Unix(0, a.MtimeNS)
	}
	age := now.Sub(ref)
	if age < 0 {
		age = 0
	}
	if s.weights.Tau <= 0 {
		return 0
	}
	return math.Exp(-float64(age) / float64(s.weights.Tau))
}
