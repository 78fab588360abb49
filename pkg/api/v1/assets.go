// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/search"
	"github.com/darkroomlabs/darkroom/pkg/store"
)

// defaultSimilarK bounds the vector leg of the similar endpoint.
const defaultSimilarK = 20

// defaultNearDupDistance is the phash Hamming cut-off for near-duplicates.
const defaultNearDupDistance = 6

// AssetsRouter serves the asset read surface.
func AssetsRouter(st *store.Store, art *artifacts.Store, searcher *search.Service) http.Handler {
	routes := &assetRoutes{st: st, art: art, searcher: searcher}
	r := chi.NewRouter()
	r.Get("/", handle(routes.list))
	r.Get("/{id}", handle(routes.get))
	r.Get("/{id}/similar", handle(routes.similar))
	r.Get("/{id}/thumb", handle(routes.thumb))
	return r
}

type assetRoutes struct {
	st       *store.Store
	art      *artifacts.Store
	searcher *search.Service
}

func (a *assetRoutes) list(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := store.AssetFilter{
		Status:     store.AssetStatus(q.Get("status")),
		MIMEPrefix: q.Get("mime"),
	}
	f.Page, f.PageSize = pageParams(q.Get("page"), q.Get("page_size"))

	assets, total, err := a.st.ListAssets(r.Context(), f)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, assetViews(assets),
		&Meta{Page: f.Page, PageSize: f.PageSize, Total: total})
	return nil
}

// assetDetail is the asset plus everything derived from it.
type assetDetail struct {
	*assetView
	Captions []*captionView `json:"captions"`
	Faces    []*faceView    `json:"faces"`
	Persons  []string       `json:"person_ids"`
}

// captionView is the wire shape of a caption.
type captionView struct {
	ID           string `json:"id"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	Body         string `json:"body"`
	UserEdited   bool   `json:"user_edited"`
}

func captionViews(captions []*store.Caption) []*captionView {
	out := make([]*captionView, 0, len(captions))
	for _, c := range captions {
		out = append(out, &captionView{
			ID:           c.ID,
			ModelName:    c.ModelName,
			ModelVersion: c.ModelVersion,
			Body:         c.Body,
			UserEdited:   c.UserEdited,
		})
	}
	return out
}

func (a *assetRoutes) get(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	asset, err := a.st.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	captions, err := a.st.ListCaptionsByAsset(ctx, id)
	if err != nil {
		return err
	}
	faces, err := a.st.ListFacesByAsset(ctx, id)
	if err != nil {
		return err
	}
	persons, err := a.st.ListPersonIDsByAsset(ctx, id)
	if err != nil {
		return err
	}
	if persons == nil {
		persons = []string{}
	}
	writeData(w, http.StatusOK, &assetDetail{
		assetView: newAssetView(asset),
		Captions:  captionViews(captions),
		Faces:     faceViews(faces),
		Persons:   persons,
	}, nil)
	return nil
}

// similarResponse carries both similarity legs: embedding neighbours and
// perceptual-hash near-duplicates.
type similarResponse struct {
	Similar        []scoredAsset   `json:"similar"`
	NearDuplicates []nearDuplicate `json:"near_duplicates"`
}

// scoredAsset is the wire shape of one ranked search result.
type scoredAsset struct {
	Asset  *assetView `json:"asset"`
	Score  float64    `json:"score"`
	Cosine float64    `json:"cosine"`
}

func scoredAssets(hits []search.Hit) []scoredAsset {
	out := make([]scoredAsset, 0, len(hits))
	for _, h := range hits {
		out = append(out, scoredAsset{
			Asset:  newAssetView(h.Asset),
			Score:  h.Score,
			Cosine: h.Cosine,
		})
	}
	return out
}

type nearDuplicate struct {
	Asset    *assetView `json:"asset"`
	Distance int        `json:"distance"`
}

func (a *assetRoutes) similar(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	k := defaultSimilarK
	if v := q.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return errors.NewValidationError("k must be an integer in 1..500", err)
		}
		k = n
	}
	maxDistance := defaultNearDupDistance
	if v := q.Get("max_distance"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 64 {
			return errors.NewValidationError("max_distance must be an integer in 0..64", err)
		}
		maxDistance = n
	}

	hits, _, err := a.searcher.SearchSimilar(ctx, id, search.Options{Page: 1, PageSize: k})
	if err != nil {
		return err
	}
	dups, err := a.st.NearDuplicates(ctx, id, maxDistance)
	if err != nil {
		return err
	}
	resp := &similarResponse{Similar: scoredAssets(hits), NearDuplicates: make([]nearDuplicate, 0, len(dups))}
	for _, d := range dups {
		resp.NearDuplicates = append(resp.NearDuplicates,
			nearDuplicate{Asset: newAssetView(d.Asset), Distance: d.Distance})
	}
	writeData(w, http.StatusOK, resp, nil)
	return nil
}

func (a *assetRoutes) thumb(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NewValidationError("size must be an integer", err)
		}
		size = n
	}
	allowed := false
	for _, s := range engine.DefaultThumbnailSizes {
		if s == size {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.NewValidationError(
			fmt.Sprintf("size must be one of %v", engine.DefaultThumbnailSizes), nil)
	}

	asset, err := a.st.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	// Thumbnails are immutable for a given content hash, so the hash is a
	// perfect ETag.
	etag := fmt.Sprintf(`"%s-%d"`, asset.SHA256, size)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	data, err := a.art.Read(id, artifacts.ThumbName(size))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return nil
}

// assetView is the wire shape of an asset.
type assetView struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	SizeBytes   int64    `json:"size_bytes"`
	SHA256      string   `json:"sha256"`
	MIME        string   `json:"mime"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	TakenAt     *string  `json:"taken_at,omitempty"`
	CameraMake  string   `json:"camera_make,omitempty"`
	CameraModel string   `json:"camera_model,omitempty"`
	GPSLat      *float64 `json:"gps_lat,omitempty"`
	GPSLon      *float64 `json:"gps_lon,omitempty"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
}

func newAssetView(a *store.Asset) *assetView {
	v := &assetView{
		ID:          a.ID,
		Path:        a.Path,
		SizeBytes:   a.SizeBytes,
		SHA256:      a.SHA256,
		MIME:        a.MIME,
		Width:       a.Width,
		Height:      a.Height,
		CameraMake:  a.CameraMake,
		CameraModel: a.CameraModel,
		GPSLat:      a.GPSLat,
		GPSLon:      a.GPSLon,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if a.TakenAt != nil {
		s := a.TakenAt.UTC().Format("2006-01-02T15:04:05Z")
		v.TakenAt = &s
	}
	return v
}

func assetViews(assets []*store.Asset) []*assetView {
	out := make([]*assetView, 0, len(assets))
	for _, a := range assets {
		out = append(out, newAssetView(a))
	}
	return out
}

// pageParams parses pagination query values with the API defaults.
func pageParams(pageStr, sizeStr string) (int, int) {
	page, size := 1, 50
	if n, err := strconv.Atoi(pageStr); err == nil && n > 0 {
		page = n
	}
	if n, err := strconv.Atoi(sizeStr); err == nil && n > 0 && n <= 500 {
		size = n
	}
	return page, size
}
