// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkroomlabs/darkroom/pkg/artifacts"
	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/search"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

// envelope mirrors Envelope with raw data so tests can decode the payload
// into the shape they expect.
type envelope struct {
	APIVersion string          `json:"api_version"`
	Data       json.RawMessage `json:"data"`
	Meta       *Meta           `json:"meta"`
	Error      *ErrorBody      `json:"error"`
}

type apiFixture struct {
	st  *store.Store
	art *artifacts.Store
	idx *vecindex.Index
	eng *engine.Engine
	srv *search.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	base := t.TempDir()

	db, err := store.Open(context.Background(), filepath.Join(base, "test.db"))
	require.NoError(t, err)
	st := store.New(db)
	t.Cleanup(func() { _ = st.Close() })

	art, err := artifacts.New(filepath.Join(base, "derived"))
	require.NoError(t, err)

	embedder := &providers.StubTextEmbedder{}
	idx, err := vecindex.New(vecindex.Meta{
		ModelName:    embedder.ModelInfo().Name,
		ModelVersion: embedder.ModelInfo().Version,
		Dim:          embedder.Dimension(),
	})
	require.NoError(t, err)

	metrics := telemetry.New()
	return &apiFixture{
		st:  st,
		art: art,
		idx: idx,
		eng: engine.New(st, metrics, engine.Options{Workers: 1}),
		srv: search.NewService(st, idx, embedder, metrics, search.Weights{Alpha: 1}),
	}
}

// do runs one request against the handler and decodes the envelope.
func do(t *testing.T, h http.Handler, method, target, body string) (int, *envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if len(rec.Body.Bytes()) > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, &env
}

func (fx *apiFixture) addAsset(t *testing.T, id string) *store.Asset {
	t.Helper()
	a := &store.Asset{
		ID:     id,
		Path:   "/photos/" + id + ".jpg",
		SHA256: "sha-" + id,
		MIME:   "image/jpeg",
	}
	require.NoError(t, fx.st.CreateAsset(context.Background(), a))
	return a
}

func TestAssetsList(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := AssetsRouter(fx.st, fx.art, fx.srv)
	for _, id := range []string{"a1", "a2", "a3"} {
		fx.addAsset(t, id)
	}

	code, env := do(t, h, http.MethodGet, "/?page=1&page_size=2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v1", env.APIVersion)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 3, env.Meta.Total)

	var views []*assetView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	assert.Len(t, views, 2)
}

func TestAssetsGetDetail(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := AssetsRouter(fx.st, fx.art, fx.srv)
	ctx := context.Background()
	a := fx.addAsset(t, "detailed")

	_, err := fx.st.UpsertCaption(ctx, &store.Caption{
		AssetID: a.ID, ModelName: "stub-caption", ModelVersion: "1", Body: "a beach",
	})
	require.NoError(t, err)
	require.NoError(t, fx.st.CreateFace(ctx, &store.Face{
		AssetID: a.ID, X: 1, Y: 2, W: 30, H: 40, DetScore: 0.8,
	}))

	code, env := do(t, h, http.MethodGet, "/detailed", "")
	require.Equal(t, http.StatusOK, code)

	var detail struct {
		ID       string         `json:"id"`
		Captions []*captionView `json:"captions"`
		Faces    []*faceView    `json:"faces"`
		Persons  []string       `json:"person_ids"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "detailed", detail.ID)
	require.Len(t, detail.Captions, 1)
	assert.Equal(t, "a beach", detail.Captions[0].Body)
	assert.Len(t, detail.Faces, 1)
	assert.NotNil(t, detail.Persons)
}

func TestAssetsGetUnknownIs404(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := AssetsRouter(fx.st, fx.art, fx.srv)

	code, env := do(t, h, http.MethodGet, "/ghost", "")
	require.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Kind)
}

func TestAssetsThumb(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := AssetsRouter(fx.st, fx.art, fx.srv)
	a := fx.addAsset(t, "pic")
	_, err := fx.art.Write(a.ID, artifacts.ThumbName(256), []byte("jpeg bytes"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/pic/thumb?size=256", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "jpeg bytes", rec.Body.String())
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	// A matching ETag short-circuits with 304.
	req = httptest.NewRequest(http.MethodGet, "/pic/thumb?size=256", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	// Sizes outside the generated set are rejected up front.
	code, env := do(t, h, http.MethodGet, "/pic/thumb?size=333", "")
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Error.Kind)
}

func TestAssetsSimilar(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := AssetsRouter(fx.st, fx.art, fx.srv)
	ctx := context.Background()

	embedder := &providers.StubTextEmbedder{}
	vec, err := embedder.EmbedText(ctx, "anchor")
	require.NoError(t, err)

	fx.addAsset(t, "anchor")
	fx.addAsset(t, "twin")
	require.NoError(t, fx.idx.Add("anchor", vec))
	require.NoError(t, fx.idx.Add("twin", vec))

	code, env := do(t, h, http.MethodGet, "/anchor/similar", "")
	require.Equal(t, http.StatusOK, code)

	var resp struct {
		Similar []struct {
			Asset *assetView `json:"asset"`
		} `json:"similar"`
		NearDuplicates []any `json:"near_duplicates"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Len(t, resp.Similar, 1)
	assert.Equal(t, "twin", resp.Similar[0].Asset.ID)
	assert.NotNil(t, resp.NearDuplicates)

	code, env = do(t, h, http.MethodGet, "/anchor/similar?k=0", "")
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Error.Kind)
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := SearchRouter(fx.srv)
	ctx := context.Background()

	embedder := &providers.StubTextEmbedder{}
	vec, err := embedder.EmbedText(ctx, "sunset")
	require.NoError(t, err)
	fx.addAsset(t, "hit")
	require.NoError(t, fx.idx.Add("hit", vec))

	code, env := do(t, h, http.MethodGet, "/?q=sunset", "")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 1, env.Meta.Total)

	var hits []scoredAsset
	require.NoError(t, json.Unmarshal(env.Data, &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "hit", hits[0].Asset.ID)
	assert.InDelta(t, 1.0, hits[0].Cosine, 1e-5)

	code, env = do(t, h, http.MethodGet, "/?q=", "")
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Error.Kind)

	code, env = do(t, h, http.MethodGet, "/?q=x&taken_after=notatime", "")
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error.Message, "taken_after")
}

func TestPersonsEndpoints(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := PersonsRouter(fx.st)
	ctx := context.Background()

	a := fx.addAsset(t, "group-shot")
	f := &store.Face{AssetID: a.ID, X: 0, Y: 0, W: 10, H: 10, DetScore: 0.9}
	require.NoError(t, fx.st.CreateFace(ctx, f))
	p, err := fx.st.AssignFaceToNewPerson(ctx, f.ID, []float32{1, 0})
	require.NoError(t, err)

	code, env := do(t, h, http.MethodPatch, "/"+p.ID, `{"display_name":"Grace"}`)
	require.Equal(t, http.StatusOK, code)
	var view personView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "Grace", view.DisplayName)

	code, env = do(t, h, http.MethodGet, "/"+p.ID, "")
	require.Equal(t, http.StatusOK, code)
	var detail struct {
		DisplayName string      `json:"display_name"`
		SampleFaces []*faceView `json:"sample_faces"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "Grace", detail.DisplayName)
	require.Len(t, detail.SampleFaces, 1)

	// Merge without sources is invalid.
	code, env = do(t, h, http.MethodPost, "/merge", `{"target_id":"`+p.ID+`"}`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Error.Kind)

	// Splitting the person's only face mints a new person.
	code, env = do(t, h, http.MethodPost, "/"+p.ID+"/split", `{"face_ids":["`+f.ID+`"]}`)
	require.Equal(t, http.StatusCreated, code)
	var fresh personView
	require.NoError(t, json.Unmarshal(env.Data, &fresh))
	assert.NotEqual(t, p.ID, fresh.ID)
	assert.Equal(t, 1, fresh.MemberCount)
}

func TestFaceAssignEndpoint(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := FacesRouter(fx.st)
	ctx := context.Background()

	a := fx.addAsset(t, "portrait")
	f := &store.Face{AssetID: a.ID, X: 0, Y: 0, W: 10, H: 10, DetScore: 0.9}
	require.NoError(t, fx.st.CreateFace(ctx, f))
	p, err := fx.st.AssignFaceToNewPerson(ctx, f.ID, []float32{1, 0})
	require.NoError(t, err)

	other := &store.Face{AssetID: a.ID, X: 20, Y: 0, W: 10, H: 10, DetScore: 0.9}
	require.NoError(t, fx.st.CreateFace(ctx, other))

	code, env := do(t, h, http.MethodPost, "/assign",
		`{"face_id":"`+other.ID+`","person_id":"`+p.ID+`"}`)
	require.Equal(t, http.StatusOK, code)
	var view faceView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.NotNil(t, view.PersonID)
	assert.Equal(t, p.ID, *view.PersonID)

	// Null person_id unassigns. Decode into a fresh view: the omitted
	// person_id field must read as nil, not as the previous value.
	code, env = do(t, h, http.MethodPost, "/assign",
		`{"face_id":"`+other.ID+`","person_id":null}`)
	require.Equal(t, http.StatusOK, code)
	var unassigned faceView
	require.NoError(t, json.Unmarshal(env.Data, &unassigned))
	assert.Nil(t, unassigned.PersonID)

	code, env = do(t, h, http.MethodPost, "/assign", `{"person_id":null}`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Error.Kind)
}

func TestPersonAssetsEndpoint(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := PersonsRouter(fx.st)
	ctx := context.Background()

	a1 := fx.addAsset(t, "picnic")
	a2 := fx.addAsset(t, "wedding")
	f1 := &store.Face{AssetID: a1.ID, X: 0, Y: 0, W: 10, H: 10, DetScore: 0.9}
	require.NoError(t, fx.st.CreateFace(ctx, f1))
	f2 := &store.Face{AssetID: a2.ID, X: 0, Y: 0, W: 10, H: 10, DetScore: 0.9}
	require.NoError(t, fx.st.CreateFace(ctx, f2))

	p, err := fx.st.AssignFaceToNewPerson(ctx, f1.ID, []float32{1, 0})
	require.NoError(t, err)
	require.NoError(t, fx.st.AssignFacePerson(ctx, f2.ID, &p.ID))

	code, env := do(t, h, http.MethodGet, "/"+p.ID+"/assets", "")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 2, env.Meta.Total)
	var views []*assetView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 2)
	ids := []string{views[0].ID, views[1].ID}
	assert.Contains(t, ids, a1.ID)
	assert.Contains(t, ids, a2.ID)

	code, env = do(t, h, http.MethodGet, "/ghost/assets", "")
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error.Kind)
}

func TestSearchByPersonName(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := SearchRouter(fx.srv)
	ctx := context.Background()

	a := fx.addAsset(t, "birthday")
	f := &store.Face{AssetID: a.ID, X: 0, Y: 0, W: 10, H: 10, DetScore: 0.9}
	require.NoError(t, fx.st.CreateFace(ctx, f))
	p, err := fx.st.AssignFaceToNewPerson(ctx, f.ID, []float32{1, 0})
	require.NoError(t, err)
	require.NoError(t, fx.st.RenamePerson(ctx, p.ID, "Grace Hopper"))

	// Name search returns the matched persons' assets, no vector query.
	code, env := do(t, h, http.MethodGet, "/?person_name=grace", "")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 1, env.Meta.Total)
	var views []*assetView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, a.ID, views[0].ID)

	code, env = do(t, h, http.MethodGet, "/?person_name=nobody", "")
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, env.Meta.Total)
}

func TestTasksEndpoints(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := TasksRouter(fx.st, fx.eng)
	ctx := context.Background()

	task, _, err := fx.st.EnqueueTask(ctx, &store.Task{Type: "noop"})
	require.NoError(t, err)

	code, env := do(t, h, http.MethodGet, "/?state=pending", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Meta.Total)

	code, env = do(t, h, http.MethodPost, "/"+task.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, code)
	var view taskView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, string(store.TaskCancelled), view.State)

	// Requeue only applies to dead tasks.
	code, env = do(t, h, http.MethodPost, "/"+task.ID+"/requeue", "")
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", env.Error.Kind)

	code, env = do(t, h, http.MethodGet, "/ghost", "")
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error.Kind)
}

func TestOpsEndpointsEnqueueOnce(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)

	t.Run("scan", func(t *testing.T) {
		h := IngestRouter(fx.st, 3)
		code, env := do(t, h, http.MethodPost, "/scan", "")
		require.Equal(t, http.StatusAccepted, code)
		var resp enqueueResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.True(t, resp.Created)
		first := resp.TaskID

		// While the task is still queued the same request dedups onto it.
		code, env = do(t, h, http.MethodPost, "/scan", "")
		require.Equal(t, http.StatusOK, code)
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.False(t, resp.Created)
		assert.Equal(t, first, resp.TaskID)
	})

	t.Run("index rebuild", func(t *testing.T) {
		h := IndexRouter(fx.st, fx.idx, 3)
		code, env := do(t, h, http.MethodPost, "/rebuild", "")
		require.Equal(t, http.StatusAccepted, code)
		var resp enqueueResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.True(t, resp.Created)
	})

	t.Run("recluster", func(t *testing.T) {
		h := ClusterRouter(fx.st, 3)
		code, env := do(t, h, http.MethodPost, "/run", "")
		require.Equal(t, http.StatusAccepted, code)
		var resp enqueueResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.True(t, resp.Created)
	})
}

func TestMalformedBodyIsRejected(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t)
	h := PersonsRouter(fx.st)

	code, env := do(t, h, http.MethodPost, "/merge", `{"target_id": `)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Error.Kind)

	// Unknown fields are rejected, not silently dropped.
	code, env = do(t, h, http.MethodPost, "/merge", `{"target":"x","source_ids":["y"]}`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Error.Kind)
}
