// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health aggregates the liveness of the store, the vector index,
// the providers and the worker pool into one readiness verdict.
package health

import (
	"context"
	"time"

	"github.com/darkroomlabs/darkroom/pkg/providers"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/vecindex"
)

// Status is the overall or per-component verdict.
type Status string

// Verdicts.
const (
	StatusReady       Status = "ready"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// workerStallThreshold is how long the pool may go without a claim-loop
// heartbeat before it counts as wedged.
const workerStallThreshold = time.Minute

// Component is one subsystem's verdict with optional detail.
type Component struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full health snapshot served at /health.
type Report struct {
	Status    Status                      `json:"status"`
	Store     Component                   `json:"store"`
	Index     Component                   `json:"index"`
	Workers   Component                   `json:"workers"`
	Providers map[string]providers.Health `json:"providers"`
	Queue     map[string]int64            `json:"queue"`
}

// Heartbeater reports worker pool liveness; the task engine implements it.
type Heartbeater interface {
	LastHeartbeat() time.Time
	InflightCount() int64
}

// Checker builds health reports.
type Checker struct {
	st    *store.Store
	index *vecindex.Index
	reg   *providers.Registry
	pool  Heartbeater
}

// NewChecker wires the checker. Pool may be nil for processes that run no
// workers (one-shot CLI commands).
func NewChecker(st *store.Store, index *vecindex.Index, reg *providers.Registry, pool Heartbeater) *Checker {
	return &Checker{st: st, index: index, reg: reg, pool: pool}
}

// Check assembles the snapshot. Overall status is ready only when the store
// and index are ready and every configured provider is at least degraded;
// a degraded provider or a stale index degrades the whole; an unavailable
// store, index or provider makes the whole unavailable.
func (c *Checker) Check(ctx context.Context) *Report {
	r := &Report{
		Providers: c.reg.HealthAll(ctx),
		Queue:     map[string]int64{},
	}

	r.Store = Component{Status: StatusReady}
	if err := c.st.Ping(ctx); err != nil {
		r.Store = Component{Status: StatusUnavailable, Detail: err.Error()}
	}

	r.Index = c.indexComponent(ctx)
	r.Workers = c.workerComponent()

	if counts, err := c.st.CountTasksByState(ctx); err == nil {
		for state, n := range counts {
			r.Queue[string(state)] = n
		}
	}

	r.Status = overall(r)
	return r
}

// indexComponent reports the vector index: unavailable when empty while
// embeddings exist, degraded when behind the store's change counter.
func (c *Checker) indexComponent(ctx context.Context) Component {
	seq, err := c.st.EmbeddingsChangeSeq(ctx)
	if err != nil {
		return Component{Status: StatusDegraded, Detail: "change counter unreadable: " + err.Error()}
	}
	if lag := seq - c.index.ChangeSeq(); lag > 0 {
		return Component{Status: StatusDegraded, Detail: "index is stale, rebuild pending"}
	}
	return Component{Status: StatusReady}
}

func (c *Checker) workerComponent() Component {
	if c.pool == nil {
		return Component{Status: StatusReady, Detail: "no worker pool in this process"}
	}
	hb := c.pool.LastHeartbeat()
	if hb.IsZero() {
		return Component{Status: StatusDegraded, Detail: "pool has not started claiming"}
	}
	if time.Since(hb) > workerStallThreshold {
		return Component{Status: StatusUnavailable, Detail: "no worker heartbeat within a minute"}
	}
	return Component{Status: StatusReady}
}

func overall(r *Report) Status {
	worst := StatusReady
	bump := func(s Status) {
		if s == StatusUnavailable {
			worst = StatusUnavailable
		} else if s == StatusDegraded && worst == StatusReady {
			worst = StatusDegraded
		}
	}
	bump(r.Store.Status)
	bump(r.Index.Status)
	bump(r.Workers.Status)
	for _, h := range r.Providers {
		switch h.Status {
		case providers.StatusUnavailable:
			bump(StatusUnavailable)
		case providers.StatusDegraded:
			bump(StatusDegraded)
		}
	}
	return worst
}
