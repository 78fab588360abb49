// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/store"
)

// sampleFaceLimit bounds the faces returned with a person detail.
const sampleFaceLimit = 12

// PersonsRouter serves the person graph: listing, renaming, merge, split.
func PersonsRouter(st *store.Store) http.Handler {
	routes := &personRoutes{st: st}
	r := chi.NewRouter()
	r.Get("/", handle(routes.list))
	r.Post("/merge", handle(routes.merge))
	r.Get("/{id}", handle(routes.get))
	r.Get("/{id}/assets", handle(routes.assets))
	r.Patch("/{id}", handle(routes.rename))
	r.Post("/{id}/split", handle(routes.split))
	return r
}

// FacesRouter serves manual face overrides.
func FacesRouter(st *store.Store) http.Handler {
	routes := &personRoutes{st: st}
	r := chi.NewRouter()
	r.Post("/assign", handle(routes.assignFace))
	return r
}

type personRoutes struct {
	st *store.Store
}

// personView is the wire shape of a person; the centroid stays internal.
type personView struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	MemberCount int     `json:"member_count"`
	CoverFaceID *string `json:"cover_face_id,omitempty"`
	Status      string  `json:"status"`
}

func newPersonView(p *store.Person) *personView {
	return &personView{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		MemberCount: p.MemberCount,
		CoverFaceID: p.CoverFaceID,
		Status:      string(p.Status),
	}
}

func personViews(persons []*store.Person) []*personView {
	out := make([]*personView, 0, len(persons))
	for _, p := range persons {
		out = append(out, newPersonView(p))
	}
	return out
}

// faceView is the wire shape of a face detection.
type faceView struct {
	ID          string  `json:"id"`
	AssetID     string  `json:"asset_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	W           float64 `json:"w"`
	H           float64 `json:"h"`
	DetScore    float64 `json:"det_score"`
	EmbeddingID *string `json:"embedding_id,omitempty"`
	PersonID    *string `json:"person_id,omitempty"`
}

func newFaceView(f *store.Face) *faceView {
	return &faceView{
		ID:          f.ID,
		AssetID:     f.AssetID,
		X:           f.X,
		Y:           f.Y,
		W:           f.W,
		H:           f.H,
		DetScore:    f.DetScore,
		EmbeddingID: f.EmbeddingID,
		PersonID:    f.PersonID,
	}
}

func faceViews(faces []*store.Face) []*faceView {
	out := make([]*faceView, 0, len(faces))
	for _, f := range faces {
		out = append(out, newFaceView(f))
	}
	return out
}

func (p *personRoutes) list(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := store.PersonFilter{Name: q.Get("name")}
	f.Page, f.PageSize = pageParams(q.Get("page"), q.Get("page_size"))

	persons, total, err := p.st.ListPersons(r.Context(), f)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, personViews(persons),
		&Meta{Page: f.Page, PageSize: f.PageSize, Total: total})
	return nil
}

type personDetail struct {
	*personView
	SampleFaces []*faceView `json:"sample_faces"`
}

func (p *personRoutes) get(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	person, err := p.st.GetPerson(ctx, id)
	if err != nil {
		return err
	}
	faces, err := p.st.ListFacesByPerson(ctx, id)
	if err != nil {
		return err
	}
	if len(faces) > sampleFaceLimit {
		faces = faces[:sampleFaceLimit]
	}
	writeData(w, http.StatusOK, &personDetail{
		personView:  newPersonView(person),
		SampleFaces: faceViews(faces),
	}, nil)
	return nil
}

// assets pages the assets containing the person, newest capture first.
func (p *personRoutes) assets(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := p.st.GetPerson(ctx, id); err != nil {
		return err
	}
	q := r.URL.Query()
	page, size := pageParams(q.Get("page"), q.Get("page_size"))
	assets, total, err := p.st.ListAssetsByPerson(ctx, id, page, size)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, assetViews(assets),
		&Meta{Page: page, PageSize: size, Total: total})
	return nil
}

func (p *personRoutes) rename(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := p.st.RenamePerson(ctx, id, body.DisplayName); err != nil {
		return err
	}
	person, err := p.st.GetPerson(ctx, id)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, newPersonView(person), nil)
	return nil
}

func (p *personRoutes) merge(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		TargetID  string   `json:"target_id"`
		SourceIDs []string `json:"source_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if body.TargetID == "" || len(body.SourceIDs) == 0 {
		return errors.NewValidationError("target_id and source_ids are required", nil)
	}
	target, err := p.st.MergePersons(r.Context(), body.TargetID, body.SourceIDs)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, newPersonView(target), nil)
	return nil
}

func (p *personRoutes) split(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	var body struct {
		FaceIDs []string `json:"face_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if len(body.FaceIDs) == 0 {
		return errors.NewValidationError("face_ids is required", nil)
	}
	fresh, err := p.st.SplitFaces(r.Context(), id, body.FaceIDs)
	if err != nil {
		return err
	}
	writeData(w, http.StatusCreated, newPersonView(fresh), nil)
	return nil
}

// assignFace manually overrides one face's person; a null person_id
// unassigns the face.
func (p *personRoutes) assignFace(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		FaceID   string  `json:"face_id"`
		PersonID *string `json:"person_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if body.FaceID == "" {
		return errors.NewValidationError("face_id is required", nil)
	}
	if err := p.st.AssignFacePerson(r.Context(), body.FaceID, body.PersonID); err != nil {
		return err
	}
	face, err := p.st.GetFace(r.Context(), body.FaceID)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, newFaceView(face), nil)
	return nil
}
