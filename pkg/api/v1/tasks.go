// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/darkroomlabs/darkroom/pkg/engine"
	"github.com/darkroomlabs/darkroom/pkg/store"
)

// TasksRouter serves the task queue's read and admin surface.
func TasksRouter(st *store.Store, eng *engine.Engine) http.Handler {
	routes := &taskRoutes{st: st, eng: eng}
	r := chi.NewRouter()
	r.Get("/", handle(routes.list))
	r.Get("/{id}", handle(routes.get))
	r.Post("/{id}/cancel", handle(routes.cancel))
	r.Post("/{id}/requeue", handle(routes.requeue))
	return r
}

type taskRoutes struct {
	st  *store.Store
	eng *engine.Engine
}

// taskView is the wire shape of a task.
type taskView struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	State           string          `json:"state"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	LastError       string          `json:"last_error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	ProgressCurrent int64           `json:"progress_current"`
	ProgressTotal   int64           `json:"progress_total"`
	ScheduledAt     string          `json:"scheduled_at"`
	CreatedAt       string          `json:"created_at"`
}

func newTaskView(t *store.Task) *taskView {
	const layout = "2006-01-02T15:04:05Z"
	return &taskView{
		ID:              t.ID,
		Type:            t.Type,
		Payload:         t.Payload,
		Priority:        t.Priority,
		State:           string(t.State),
		RetryCount:      t.RetryCount,
		MaxRetries:      t.MaxRetries,
		LastError:       t.LastError,
		CancelRequested: t.CancelRequested,
		ProgressCurrent: t.ProgressCurrent,
		ProgressTotal:   t.ProgressTotal,
		ScheduledAt:     t.ScheduledAt.UTC().Format(layout),
		CreatedAt:       t.CreatedAt.UTC().Format(layout),
	}
}

func taskViews(tasks []*store.Task) []*taskView {
	out := make([]*taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskView(t))
	}
	return out
}

func (t *taskRoutes) list(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := store.TaskFilter{
		State: store.TaskState(q.Get("state")),
		Type:  q.Get("type"),
	}
	f.Page, f.PageSize = pageParams(q.Get("page"), q.Get("page_size"))

	tasks, total, err := t.st.ListTasks(r.Context(), f)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, taskViews(tasks),
		&Meta{Page: f.Page, PageSize: f.PageSize, Total: total})
	return nil
}

func (t *taskRoutes) get(w http.ResponseWriter, r *http.Request) error {
	task, err := t.st.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, newTaskView(task), nil)
	return nil
}

func (t *taskRoutes) cancel(w http.ResponseWriter, r *http.Request) error {
	task, err := t.eng.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, newTaskView(task), nil)
	return nil
}

func (t *taskRoutes) requeue(w http.ResponseWriter, r *http.Request) error {
	task, err := t.eng.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, newTaskView(task), nil)
	return nil
}
