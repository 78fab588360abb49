// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a fresh migrated store on a temp file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st := New(db)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testAsset(path, sha string) *Asset {
	return &Asset{
		Path:      path,
		SizeBytes: 1024,
		MtimeNS:   1700000000000000000,
		SHA256:    sha,
		MIME:      "image/jpeg",
		Width:     640,
		Height:    480,
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	require.NoError(t, st.Ping(context.Background()))

	// The change counter row must exist from the baseline migration.
	seq, err := st.EmbeddingsChangeSeq(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)
}
