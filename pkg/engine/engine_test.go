// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st := store.New(db)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestEngine(st *store.Store) *Engine {
	return New(st, telemetry.New(), Options{
		Workers:       2,
		PollInterval:  10 * time.Millisecond,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		ShutdownGrace: time.Second,
	})
}

// runEngine starts the pool and returns a stop function that blocks until
// the pool has drained.
func runEngine(t *testing.T, eng *Engine) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
		}
	}
}

// waitForState polls until the task reaches the wanted state.
func waitForState(t *testing.T, st *store.Store, id string, want store.TaskState) *store.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), id)
		require.NoError(t, err)
		if task.State == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := st.GetTask(context.Background(), id)
	t.Fatalf("task %s never reached %s (currently %s)", id, want, task.State)
	return nil
}

func TestEngineCompletesTask(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	var calls atomic.Int64
	eng.Register("noop", func(_ context.Context, job *Job) error {
		calls.Add(1)
		assert.Equal(t, "noop", job.Task.Type)
		return nil
	})

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "noop"})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	waitForState(t, st, task.ID, store.TaskDone)
	assert.Equal(t, int64(1), calls.Load())
	assert.False(t, eng.LastHeartbeat().IsZero())
}

func TestEngineRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	var calls atomic.Int64
	eng.Register("flaky", func(context.Context, *Job) error {
		if calls.Add(1) == 1 {
			return errors.NewTransientProviderError("model runner hiccup", nil)
		}
		return nil
	})

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "flaky", MaxRetries: 3})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	done := waitForState(t, st, task.ID, store.TaskDone)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEnginePermanentErrorGoesDead(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	var calls atomic.Int64
	eng.Register("corrupt", func(context.Context, *Job) error {
		calls.Add(1)
		return errors.NewPermanentDecodeError("not an image", nil)
	})

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "corrupt", MaxRetries: 5})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	dead := waitForState(t, st, task.ID, store.TaskDead)
	assert.Contains(t, dead.LastError, "not an image")
	// Permanent failures never burn retries.
	assert.Equal(t, int64(1), calls.Load())
}

func TestEngineExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	var calls atomic.Int64
	eng.Register("down", func(context.Context, *Job) error {
		calls.Add(1)
		return errors.NewTransientIOError("disk unhappy", nil)
	})

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "down", MaxRetries: 2})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	dead := waitForState(t, st, task.ID, store.TaskDead)
	assert.Equal(t, 2, dead.RetryCount)
	assert.Equal(t, int64(3), calls.Load())
}

func TestEngineUnknownTypeIsDead(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "mystery", MaxRetries: 3})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	dead := waitForState(t, st, task.ID, store.TaskDead)
	assert.Contains(t, dead.LastError, "no handler registered")
}

func TestEngineRecoversFromHandlerPanic(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	eng.Register("bomb", func(context.Context, *Job) error {
		panic("boom")
	})
	eng.Register("noop", func(context.Context, *Job) error { return nil })

	bomb, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "bomb", MaxRetries: 0})
	require.NoError(t, err)
	after, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "noop"})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	dead := waitForState(t, st, bomb.ID, store.TaskDead)
	assert.Contains(t, dead.LastError, "handler panic")
	// The pool survived the panic.
	waitForState(t, st, after.ID, store.TaskDone)
}

func TestEngineCancelRunningTask(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	started := make(chan struct{})
	eng.Register("slow", func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		return errors.NewCancelledError("stopped at checkpoint", ctx.Err())
	})

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "slow"})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	_, err = eng.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	waitForState(t, st, task.ID, store.TaskCancelled)
}

func TestEngineShutdownRequeuesUnfinishedWork(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := New(st, telemetry.New(), Options{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		BackoffBase:   time.Millisecond,
		BackoffCap:    time.Millisecond,
		ShutdownGrace: 50 * time.Millisecond,
	})

	started := make(chan struct{})
	eng.Register("stuck", func(ctx context.Context, _ *Job) error {
		close(started)
		// Ignores the grace period; only the forced cancel releases it.
		<-ctx.Done()
		return errors.NewCancelledError("interrupted", ctx.Err())
	})

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "stuck"})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	stop()

	// The interrupted run was recorded as cancelled or swept back to
	// pending; either way it is not stranded in running.
	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, store.TaskRunning, got.State)
}

func TestEngineRequeueDeadTask(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	eng := newTestEngine(st)

	var fail atomic.Bool
	fail.Store(true)
	eng.Register("recoverable", func(context.Context, *Job) error {
		if fail.Load() {
			return errors.NewTransientIOError("still broken", nil)
		}
		return nil
	})

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{Type: "recoverable", MaxRetries: 0})
	require.NoError(t, err)

	stop := runEngine(t, eng)
	defer stop()

	waitForState(t, st, task.ID, store.TaskDead)

	fail.Store(false)
	_, err = eng.Requeue(context.Background(), task.ID)
	require.NoError(t, err)

	waitForState(t, st, task.ID, store.TaskDone)
}
