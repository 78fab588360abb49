// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/store"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantStatus int
	}{
		{
			name:       "validation is a bad request",
			err:        errors.NewValidationError("k out of range", nil),
			wantKind:   errors.ErrValidation,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not found",
			err:        errors.NewNotFoundError("no such asset", nil),
			wantKind:   errors.ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "store sentinel not found",
			err:        fmt.Errorf("loading: %w", store.ErrNotFound),
			wantKind:   errors.ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "store sentinel already exists",
			err:        store.ErrAlreadyExists,
			wantKind:   errors.ErrConflict,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "store sentinel invalid state",
			err:        fmt.Errorf("%w: task is done", store.ErrInvalidState),
			wantKind:   errors.ErrConflict,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "transient io maps to service unavailable",
			err:        errors.NewTransientIOError("disk", nil),
			wantKind:   errors.ErrTransientIO,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "transient provider maps to service unavailable",
			err:        errors.NewTransientProviderError("model runner", nil),
			wantKind:   errors.ErrTransientProvider,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "permanent decode is unprocessable",
			err:        errors.NewPermanentDecodeError("truncated jpeg", nil),
			wantKind:   errors.ErrPermanentDecode,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "cancelled reads as a conflict",
			err:        errors.NewCancelledError("stopping", nil),
			wantKind:   errors.ErrCancelled,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "anything else is internal",
			err:        stderrors.New("sql broke"),
			wantKind:   errors.ErrInternal,
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			kind, status, _ := classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeError(rec, stderrors.New("password=hunter2 leaked into an error"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), `"internal error"`)
}

func TestWriteDataEnvelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeData(rec, http.StatusOK, []string{"a"}, &Meta{Page: 1, PageSize: 50, Total: 1})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t,
		`{"api_version":"v1","data":["a"],"meta":{"page":1,"page_size":50,"total":1}}`,
		rec.Body.String())
}
