// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the versioned REST surface. Every response is wrapped
// in the v1 envelope; handler errors are mapped onto HTTP statuses by the
// taxonomy kind.
package v1

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/logger"
	"github.com/darkroomlabs/darkroom/pkg/store"
)

// apiVersion tags every envelope.
const apiVersion = "v1"

// Meta carries pagination facts for list responses.
type Meta struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Envelope is the uniform response shape.
type Envelope struct {
	APIVersion string     `json:"api_version"`
	Data       any        `json:"data,omitempty"`
	Meta       *Meta      `json:"meta,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
}

// handlerFunc is an HTTP handler that reports failures as errors; handle
// converts them into enveloped responses centrally.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(w, err)
		}
	}
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, status int, data any, meta *Meta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{
		APIVersion: apiVersion,
		Data:       data,
		Meta:       meta,
	}); err != nil {
		logger.Debugw("encoding response", "error", err)
	}
}

// writeError maps an error to a status and writes the error envelope.
// Internal details never reach the client; they are logged here instead.
func writeError(w http.ResponseWriter, err error) {
	kind, status, message := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "kind", kind, "error", err)
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		APIVersion: apiVersion,
		Error:      &ErrorBody{Kind: kind, Message: message},
	})
}

// classify maps the closed error taxonomy (plus the store sentinels) onto
// HTTP statuses.
func classify(err error) (kind string, status int, message string) {
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		return errors.ErrNotFound, http.StatusNotFound, "not found"
	case stderrors.Is(err, store.ErrAlreadyExists):
		return errors.ErrConflict, http.StatusConflict, "already exists"
	case stderrors.Is(err, store.ErrInvalidState):
		return errors.ErrConflict, http.StatusConflict, err.Error()
	}

	kind = errors.Kind(err)
	switch kind {
	case errors.ErrValidation:
		return kind, http.StatusBadRequest, err.Error()
	case errors.ErrNotFound:
		return kind, http.StatusNotFound, err.Error()
	case errors.ErrConflict:
		return kind, http.StatusConflict, err.Error()
	case errors.ErrTransientIO, errors.ErrTransientProvider:
		return kind, http.StatusServiceUnavailable, err.Error()
	case errors.ErrPermanentDecode, errors.ErrPermanentConfig:
		return kind, http.StatusUnprocessableEntity, err.Error()
	case errors.ErrCancelled:
		return kind, http.StatusConflict, "cancel in progress"
	default:
		return errors.ErrInternal, http.StatusInternalServerError, err.Error()
	}
}

// decodeBody decodes a JSON request body, rejecting malformed input as a
// validation error.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewValidationError("malformed request body", err)
	}
	return nil
}
