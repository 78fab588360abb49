// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const captionColumns = `id, asset_id, model_name, model_version, body,
	user_edited, created_at, updated_at`

// maxGeneratedCaptions caps machine-written variants per asset; regeneration
// under new models evicts the stalest rather than accumulating forever.
// User-edited rows never count against the cap.
const maxGeneratedCaptions = 3

func scanCaption(row scanner) (*Caption, error) {
	var (
		c         Caption
		createdAt string
		updatedAt string
	)
	err := row.Scan(&c.ID, &c.AssetID, &c.ModelName, &c.ModelVersion, &c.Body,
		&c.UserEdited, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning caption: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCaption writes a generated caption for (asset, model, version).
// A row the user has edited is never overwritten by regeneration; the write
// silently keeps the edited text and returns the surviving row.
func (s *Store) UpsertCaption(ctx context.Context, c *Caption) (*Caption, error) {
	if c.AssetID == "" || c.ModelName == "" {
		return nil, fmt.Errorf("%w: caption needs asset and model", ErrInvalidState)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	existing, err := scanCaption(tx.QueryRowContext(ctx, `
		SELECT `+captionColumns+` FROM captions
		WHERE asset_id = ? AND model_name = ? AND model_version = ?`,
		c.AssetID, c.ModelName, c.ModelVersion))
	switch {
	case errors.Is(err, ErrNotFound):
		c.ID = uuid.NewString()
		ts := now()
		c.CreatedAt, c.UpdatedAt = ts, ts
		c.UserEdited = false
		_, err = tx.ExecContext(ctx, `
			INSERT INTO captions (id, asset_id, model_name, model_version, body,
				user_edited, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			c.ID, c.AssetID, c.ModelName, c.ModelVersion, c.Body,
			formatTime(ts), formatTime(ts))
		if err != nil {
			return nil, fmt.Errorf("inserting caption: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM captions
			WHERE asset_id = ? AND user_edited = 0 AND id NOT IN (
				SELECT id FROM captions
				WHERE asset_id = ? AND user_edited = 0
				ORDER BY updated_at DESC, id ASC LIMIT ?)`,
			c.AssetID, c.AssetID, maxGeneratedCaptions); err != nil {
			return nil, fmt.Errorf("pruning caption variants: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing caption: %w", err)
		}
		return c, nil
	case err != nil:
		return nil, err
	case existing.UserEdited:
		// The user's text wins over any regeneration.
		return existing, tx.Commit()
	default:
		ts := now()
		_, err = tx.ExecContext(ctx,
			`UPDATE captions SET body = ?, updated_at = ? WHERE id = ?`,
			c.Body, formatTime(ts), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("updating caption: %w", err)
		}
		existing.Body = c.Body
		existing.UpdatedAt = ts
		return existing, tx.Commit()
	}
}

// EditCaption replaces the caption body with user-provided text and pins it
// against future regeneration.
func (s *Store) EditCaption(ctx context.Context, id, body string) error {
	if body == "" {
		return fmt.Errorf("%w: caption body must not be empty", ErrInvalidState)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE captions SET body = ?, user_edited = 1, updated_at = ?
		WHERE id = ?`,
		body, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("editing caption: %w", err)
	}
	return requireRow(res)
}

// GetCaption returns the caption for one (asset, model, version).
func (s *Store) GetCaption(ctx context.Context, assetID, modelName, modelVersion string) (*Caption, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+captionColumns+` FROM captions
		WHERE asset_id = ? AND model_name = ? AND model_version = ?`,
		assetID, modelName, modelVersion)
	return scanCaption(row)
}

// ListCaptionsByAsset returns every caption variant of one asset, newest
// model rows first.
func (s *Store) ListCaptionsByAsset(ctx context.Context, assetID string) ([]*Caption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+captionColumns+` FROM captions
		WHERE asset_id = ?
		ORDER BY created_at DESC, id ASC`, assetID)
	if err != nil {
		return nil, fmt.Errorf("listing captions: %w", err)
	}
	defer rows.Close()
	var out []*Caption
	for rows.Next() {
		c, err := scanCaption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
