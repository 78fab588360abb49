// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a unique constraint rejects a write.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidState is returned when a state transition is not legal from
	// the row's current state, e.g. completing a task that is not running.
	ErrInvalidState = errors.New("invalid state transition")
)
