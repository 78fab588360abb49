// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

// enqueueResponse reports the task an operation was queued as. Created is
// false when the idempotency key matched an already-queued task.
type enqueueResponse struct {
	TaskID  string `json:"task_id"`
	Created bool   `json:"created"`
}

// IngestRouter serves scan triggering.
func IngestRouter(st *store.Store, maxRetries int) http.Handler {
	routes := &opsRoutes{st: st, maxRetries: maxRetries}
	r := chi.NewRouter()
	r.Post("/scan", handle(routes.scan))
	return r
}

// IndexRouter serves vector index administration.
func IndexRouter(st *store.Store, index *vecindex.Index, maxRetries int) http.Handler {
	routes := &opsRoutes{st: st, index: index, maxRetries: maxRetries}
	r := chi.NewRouter()
	r.Post("/rebuild", handle(routes.rebuildIndex))
	return r
}

// ClusterRouter serves person clustering administration.
func ClusterRouter(st *store.Store, maxRetries int) http.Handler {
	routes := &opsRoutes{st: st, maxRetries: maxRetries}
	r := chi.NewRouter()
	r.Post("/run", handle(routes.recluster))
	return r
}

type opsRoutes struct {
	st         *store.Store
	index      *vecindex.Index
	maxRetries int
}

func (o *opsRoutes) enqueue(w http.ResponseWriter, r *http.Request, t *store.Task) error {
	persisted, created, err := o.st.EnqueueTask(r.Context(), t)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeData(w, status, &enqueueResponse{TaskID: persisted.ID, Created: created}, nil)
	return nil
}

func (o *opsRoutes) scan(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Roots []string `json:"roots"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			return err
		}
	}
	t, err := engine.ScanTask(body.Roots, o.maxRetries)
	if err != nil {
		return err
	}
	return o.enqueue(w, r, t)
}

func (o *opsRoutes) rebuildIndex(w http.ResponseWriter, r *http.Request) error {
	meta := o.index.Meta()
	t, err := engine.IndexRebuildTask(string(store.ModalityImage), meta.ModelName, meta.ModelVersion, o.maxRetries)
	if err != nil {
		return err
	}
	return o.enqueue(w, r, t)
}

func (o *opsRoutes) recluster(w http.ResponseWriter, r *http.Request) error {
	t, err := engine.ReclusterTask(o.maxRetries)
	if err != nil {
		return err
	}
	return o.enqueue(w, r, t)
}
