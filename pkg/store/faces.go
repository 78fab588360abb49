// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/darkroomlabs/darkroom/pkg/vecmath"
)

const faceColumns = `id, asset_id, x, y, w, h, det_score, embedding_id,
	person_id, created_at`

func scanFace(row scanner) (*Face, error) {
	var (
		f           Face
		embeddingID sql.NullString
		personID    sql.NullString
		createdAt   string
	)
	err := row.Scan(&f.ID, &f.AssetID, &f.X, &f.Y, &f.W, &f.H, &f.DetScore,
		&embeddingID, &personID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning face: %w", err)
	}
	if embeddingID.Valid {
		f.EmbeddingID = &embeddingID.String
	}
	if personID.Valid {
		f.PersonID = &personID.String
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFace inserts one detection row. The ID is generated when empty.
func (s *Store) CreateFace(ctx context.Context, f *Face) error {
	if f.AssetID == "" {
		return fmt.Errorf("%w: face needs an asset", ErrInvalidState)
	}
	if f.W <= 0 || f.H <= 0 {
		return fmt.Errorf("%w: face bbox must have positive extent", ErrInvalidState)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO faces (id, asset_id, x, y, w, h, det_score, embedding_id,
			person_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AssetID, f.X, f.Y, f.W, f.H, f.DetScore,
		f.EmbeddingID, f.PersonID, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting face: %w", err)
	}
	return nil
}

// GetFace returns one face row.
func (s *Store) GetFace(ctx context.Context, id string) (*Face, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE id = ?`, id)
	return scanFace(row)
}

// ListFacesByAsset returns the faces detected in one asset, insertion order.
func (s *Store) ListFacesByAsset(ctx context.Context, assetID string) ([]*Face, error) {
	return s.listFaces(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE asset_id = ? ORDER BY created_at ASC, id ASC`,
		assetID)
}

// ListFacesByPerson returns the faces assigned to one person.
func (s *Store) ListFacesByPerson(ctx context.Context, personID string) ([]*Face, error) {
	return s.listFaces(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE person_id = ? ORDER BY created_at ASC, id ASC`,
		personID)
}

func (s *Store) listFaces(ctx context.Context, query string, args ...any) ([]*Face, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing faces: %w", err)
	}
	defer rows.Close()
	var out []*Face
	for rows.Next() {
		f, err := scanFace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AttachFaceEmbedding points the face at its persisted embedding row.
func (s *Store) AttachFaceEmbedding(ctx context.Context, faceID, embeddingID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE faces SET embedding_id = ? WHERE id = ?`, embeddingID, faceID)
	if err != nil {
		return fmt.Errorf("attaching face embedding: %w", err)
	}
	return requireRow(res)
}

// AssignFacePerson moves one face to a person (nil clears the assignment).
// Manual overrides through the API land here; the clusterer uses the
// transactional assignment paths in persons.go instead.
func (s *Store) AssignFacePerson(ctx context.Context, faceID string, personID *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	face, err := scanFace(tx.QueryRowContext(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE id = ?`, faceID))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE faces SET person_id = ? WHERE id = ?`, personID, faceID); err != nil {
		return fmt.Errorf("assigning face: %w", err)
	}
	for _, pid := range []*string{face.PersonID, personID} {
		if pid == nil {
			continue
		}
		if err := refreshPersonCount(ctx, tx, *pid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteFacesByAsset removes every face of one asset along with the
// face-owned embedding rows, then refreshes the member counts of any persons
// the faces belonged to. Detection re-runs call this so the stored set
// mirrors the detector's latest output.
func (s *Store) DeleteFacesByAsset(ctx context.Context, assetID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT person_id FROM faces WHERE asset_id = ? AND person_id IS NOT NULL`,
		assetID)
	if err != nil {
		return fmt.Errorf("listing affected persons: %w", err)
	}
	var persons []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return fmt.Errorf("scanning affected person: %w", err)
		}
		persons = append(persons, pid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM embeddings
		WHERE owner_kind = ? AND owner_id IN (SELECT id FROM faces WHERE asset_id = ?)`,
		OwnerFace, assetID); err != nil {
		return fmt.Errorf("deleting face embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM faces WHERE asset_id = ?`, assetID); err != nil {
		return fmt.Errorf("deleting faces: %w", err)
	}
	for _, pid := range persons {
		if err := refreshPersonCount(ctx, tx, pid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountFacesByPerson returns the live member count for one person.
func (s *Store) CountFacesByPerson(ctx context.Context, personID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM faces WHERE person_id = ?`, personID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting faces: %w", err)
	}
	return n, nil
}

// CountPendingFaceEmbeddings returns how many faces still await an
// embedding. Health reports it as pipeline lag.
func (s *Store) CountPendingFaceEmbeddings(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM faces WHERE embedding_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending face embeddings: %w", err)
	}
	return n, nil
}

// FaceVector pairs a face with its stored embedding. PersonID carries the
// current assignment so a full recluster can preserve person identity by
// overlap.
type FaceVector struct {
	FaceID   string
	AssetID  string
	PersonID *string
	Vector   []float32
}

// ListFaceVectors returns every embedded face under one face model, face id
// order. The full recluster and merge centroid recomputation read this.
func (s *Store) ListFaceVectors(ctx context.Context, modelName, modelVersion string) ([]FaceVector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.asset_id, f.person_id, e.vector
		FROM faces f
		JOIN embeddings e ON e.id = f.embedding_id
		WHERE e.modality = ? AND e.model_name = ? AND e.model_version = ?
		ORDER BY f.id ASC`,
		ModalityFace, modelName, modelVersion)
	if err != nil {
		return nil, fmt.Errorf("listing face vectors: %w", err)
	}
	defer rows.Close()

	var out []FaceVector
	for rows.Next() {
		var (
			fv       FaceVector
			personID sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&fv.FaceID, &fv.AssetID, &personID, &blob); err != nil {
			return nil, fmt.Errorf("scanning face vector: %w", err)
		}
		if personID.Valid {
			fv.PersonID = &personID.String
		}
		if fv.Vector, err = vecmath.Decode(blob); err != nil {
			return nil, err
		}
		out = append(out, fv)
	}
	return out, rows.Err()
}

// ListAssetIDsByPerson returns the distinct assets containing the person,
// via the asset_persons view. Search uses the result as a filter set.
func (s *Store) ListAssetIDsByPerson(ctx context.Context, personID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, face_count FROM asset_persons WHERE person_id = ?`, personID)
	if err != nil {
		return nil, fmt.Errorf("listing person assets: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning person asset: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ListAssetsByPerson pages the assets containing one person, newest capture
// first (undated assets sort last), plus the unpaginated total.
func (s *Store) ListAssetsByPerson(ctx context.Context, personID string, page, pageSize int) ([]*Asset, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM asset_persons WHERE person_id = ?`,
		personID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting person assets: %w", err)
	}

	page, size := normalizePage(page, pageSize)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedAssetColumns("a")+`
		FROM asset_persons ap
		JOIN assets a ON a.id = ap.asset_id
		WHERE ap.person_id = ?
		ORDER BY a.taken_at IS NULL, a.taken_at DESC, a.id ASC
		LIMIT ? OFFSET ?`,
		personID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("listing person assets: %w", err)
	}
	defer rows.Close()
	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ListAssetsByPersonName pages the union of assets containing any active
// person whose display name contains substr, case-insensitive. Ordering
// matches ListAssetsByPerson.
func (s *Store) ListAssetsByPersonName(ctx context.Context, substr string, page, pageSize int) ([]*Asset, int, error) {
	pattern := "%" + strings.ToLower(substr) + "%"
	const members = `
		SELECT DISTINCT ap.asset_id
		FROM asset_persons ap
		JOIN persons p ON p.id = ap.person_id
		WHERE p.status = ? AND LOWER(p.display_name) LIKE ?`

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (`+members+`)`, PersonActive, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting named person assets: %w", err)
	}

	page, size := normalizePage(page, pageSize)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE id IN (`+members+`)
		ORDER BY taken_at IS NULL, taken_at DESC, id ASC
		LIMIT ? OFFSET ?`,
		PersonActive, pattern, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("listing named person assets: %w", err)
	}
	defer rows.Close()
	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ListPersonIDsByAsset returns the persons appearing in one asset.
func (s *Store) ListPersonIDsByAsset(ctx context.Context, assetID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT person_id FROM asset_persons WHERE asset_id = ? ORDER BY person_id`, assetID)
	if err != nil {
		return nil, fmt.Errorf("listing asset persons: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning asset person: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
