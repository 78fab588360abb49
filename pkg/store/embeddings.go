// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/darkroomlabs/darkroom/pkg/vecmath"
)

const embeddingColumns = `id, owner_kind, owner_id, modality, model_name,
	model_version, dim, vector, created_at`

func scanEmbedding(row scanner) (*Embedding, error) {
	var (
		e         Embedding
		blob      []byte
		createdAt string
	)
	err := row.Scan(&e.ID, &e.OwnerKind, &e.OwnerID, &e.Modality, &e.ModelName,
		&e.ModelVersion, &e.Dim, &blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning embedding: %w", err)
	}
	if e.Vector, err = vecmath.Decode(blob); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEmbedding inserts the embedding, replacing a prior row for the same
// (owner, modality, model, version). Image-modality writes bump the change
// counter the vector index uses to detect staleness.
func (s *Store) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	if e.OwnerID == "" || len(e.Vector) == 0 {
		return fmt.Errorf("%w: embedding needs owner and vector", ErrInvalidState)
	}
	if e.Dim == 0 {
		e.Dim = len(e.Vector)
	}
	if e.Dim != len(e.Vector) {
		return fmt.Errorf("%w: dim %d does not match vector length %d",
			ErrInvalidState, e.Dim, len(e.Vector))
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	ts := now()
	e.CreatedAt = ts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	// Replacing keeps the unique key stable while the row id changes; face
	// rows referencing the old id are repointed below.
	var oldID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM embeddings
		WHERE owner_kind = ? AND owner_id = ? AND modality = ?
		  AND model_name = ? AND model_version = ?`,
		e.OwnerKind, e.OwnerID, e.Modality, e.ModelName, e.ModelVersion).Scan(&oldID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("probing embedding: %w", err)
	}
	if oldID.Valid {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM embeddings WHERE id = ?`, oldID.String); err != nil {
			return fmt.Errorf("replacing embedding: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (id, owner_kind, owner_id, modality, model_name,
			model_version, dim, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerKind, e.OwnerID, e.Modality, e.ModelName, e.ModelVersion,
		e.Dim, vecmath.Encode(e.Vector), formatTime(ts))
	if err != nil {
		return fmt.Errorf("inserting embedding: %w", err)
	}

	// Deleting the old row nulled the face's reference via ON DELETE SET
	// NULL, so the repoint keys on the owning face, not the old id.
	if oldID.Valid && e.OwnerKind == OwnerFace {
		if _, err := tx.ExecContext(ctx,
			`UPDATE faces SET embedding_id = ? WHERE id = ?`,
			e.ID, e.OwnerID); err != nil {
			return fmt.Errorf("repointing face embedding: %w", err)
		}
	}

	if e.Modality == ModalityImage {
		if err := bumpChangeSeq(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetEmbedding returns the embedding for one owner under one model.
func (s *Store) GetEmbedding(
	ctx context.Context,
	kind OwnerKind, ownerID string,
	modality Modality, modelName, modelVersion string,
) (*Embedding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+embeddingColumns+` FROM embeddings
		WHERE owner_kind = ? AND owner_id = ? AND modality = ?
		  AND model_name = ? AND model_version = ?`,
		kind, ownerID, modality, modelName, modelVersion)
	return scanEmbedding(row)
}

// GetEmbeddingByID returns one embedding row.
func (s *Store) GetEmbeddingByID(ctx context.Context, id string) (*Embedding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+embeddingColumns+` FROM embeddings WHERE id = ?`, id)
	return scanEmbedding(row)
}

// ForEachEmbedding streams every embedding of one (modality, model, version)
// in owner_id order through fn. Index rebuilds use this instead of loading
// the whole table.
func (s *Store) ForEachEmbedding(
	ctx context.Context,
	modality Modality, modelName, modelVersion string,
	fn func(*Embedding) error,
) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+embeddingColumns+` FROM embeddings
		WHERE modality = ? AND model_name = ? AND model_version = ?
		ORDER BY owner_id ASC`,
		modality, modelName, modelVersion)
	if err != nil {
		return fmt.Errorf("streaming embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEmbedding(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountEmbeddings returns the number of rows for one (modality, model,
// version), used for rebuild progress totals.
func (s *Store) CountEmbeddings(ctx context.Context, modality Modality, modelName, modelVersion string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings
		WHERE modality = ? AND model_name = ? AND model_version = ?`,
		modality, modelName, modelVersion).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

// DeleteEmbeddingsForOwner removes every embedding of one owner. Image rows
// bump the change counter so the index notices.
func (s *Store) DeleteEmbeddingsForOwner(ctx context.Context, kind OwnerKind, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var hadImage bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM embeddings
			WHERE owner_kind = ? AND owner_id = ? AND modality = ?
		)`, kind, ownerID, ModalityImage).Scan(&hadImage)
	if err != nil {
		return fmt.Errorf("probing embeddings: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM embeddings WHERE owner_kind = ? AND owner_id = ?`,
		kind, ownerID); err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	if hadImage {
		if err := bumpChangeSeq(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EmbeddingsChangeSeq returns the counter bumped on every image-embedding
// mutation. The vector index snapshots it to report staleness.
func (s *Store) EmbeddingsChangeSeq(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM schema_meta WHERE key = 'embeddings_change_seq'`).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("reading change seq: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing change seq %q: %w", raw, err)
	}
	return n, nil
}

func bumpChangeSeq(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE schema_meta SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
		WHERE key = 'embeddings_change_seq'`)
	if err != nil {
		return fmt.Errorf("bumping change seq: %w", err)
	}
	return nil
}
