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

const personColumns = `id, display_name, centroid, member_count, cover_face_id,
	status, created_at, updated_at`

func scanPerson(row scanner) (*Person, error) {
	var (
		p           Person
		blob        []byte
		coverFaceID sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&p.ID, &p.DisplayName, &blob, &p.MemberCount, &coverFaceID,
		&p.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning person: %w", err)
	}
	if p.Centroid, err = vecmath.Decode(blob); err != nil {
		return nil, err
	}
	if coverFaceID.Valid {
		p.CoverFaceID = &coverFaceID.String
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePerson inserts a new person row. The ID is generated when empty.
func (s *Store) CreatePerson(ctx context.Context, p *Person) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)
	if err := insertPerson(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func insertPerson(ctx context.Context, tx *sql.Tx, p *Person) error {
	if len(p.Centroid) == 0 {
		return fmt.Errorf("%w: person needs a centroid", ErrInvalidState)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PersonActive
	}
	ts := now()
	p.CreatedAt, p.UpdatedAt = ts, ts
	_, err := tx.ExecContext(ctx, `
		INSERT INTO persons (id, display_name, centroid, member_count,
			cover_face_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DisplayName, vecmath.Encode(p.Centroid), p.MemberCount,
		p.CoverFaceID, p.Status, formatTime(ts), formatTime(ts))
	if err != nil {
		return fmt.Errorf("inserting person: %w", err)
	}
	return nil
}

// GetPerson returns one person row.
func (s *Store) GetPerson(ctx context.Context, id string) (*Person, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE id = ?`, id)
	return scanPerson(row)
}

// PersonFilter narrows ListPersons.
type PersonFilter struct {
	Name          string // case-insensitive substring on display_name
	IncludeMerged bool
	Page          int
	PageSize      int
}

// ListPersons returns a page of persons ordered by member_count desc then id,
// plus the unpaginated total.
func (s *Store) ListPersons(ctx context.Context, f PersonFilter) ([]*Person, int, error) {
	where, args := []string{"1=1"}, []any{}
	if !f.IncludeMerged {
		where = append(where, "status = ?")
		args = append(args, PersonActive)
	}
	if f.Name != "" {
		where = append(where, "LOWER(display_name) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Name)+"%")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM persons WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting persons: %w", err)
	}

	page, size := normalizePage(f.Page, f.PageSize)
	args = append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE `+cond+`
		 ORDER BY member_count DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing persons: %w", err)
	}
	defer rows.Close()
	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// ListActivePersons returns every active person. The incremental clusterer
// scans the centroids; person counts stay small relative to faces.
func (s *Store) ListActivePersons(ctx context.Context) ([]*Person, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE status = ? ORDER BY id`, PersonActive)
	if err != nil {
		return nil, fmt.Errorf("listing active persons: %w", err)
	}
	defer rows.Close()
	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RenamePerson sets the display name and appends an audit record.
func (s *Store) RenamePerson(ctx context.Context, id, name string) error {
	if name == "" || len(name) > 200 {
		return fmt.Errorf("%w: display name must be 1..200 characters", ErrInvalidState)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE persons SET display_name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("renaming person: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := appendAuditTx(ctx, tx, "persons.rename", "person", id,
		map[string]any{"display_name": name}); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignFaceToPerson commits one incremental assignment: the face joins the
// person and the person's centroid and member count advance to the supplied
// running mean. One transaction; the person row is the serialization point.
func (s *Store) AssignFaceToPerson(ctx context.Context, faceID, personID string, centroid []float32, memberCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE persons SET centroid = ?, member_count = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		vecmath.Encode(centroid), memberCount, formatTime(now()), personID, PersonActive)
	if err != nil {
		return fmt.Errorf("updating person centroid: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE faces SET person_id = ? WHERE id = ?`, personID, faceID)
	if err != nil {
		return fmt.Errorf("assigning face: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignFaceToNewPerson creates a person seeded with the face's embedding and
// assigns the face to it, in one transaction.
func (s *Store) AssignFaceToNewPerson(ctx context.Context, faceID string, centroid []float32) (*Person, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	p := &Person{
		Centroid:    centroid,
		MemberCount: 1,
		CoverFaceID: &faceID,
	}
	if err := insertPerson(ctx, tx, p); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE faces SET person_id = ? WHERE id = ?`, p.ID, faceID)
	if err != nil {
		return nil, fmt.Errorf("assigning face: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing new person: %w", err)
	}
	return p, nil
}

// MergePersons moves every face of the sources into the target, recomputes
// the target centroid from its member embeddings, and marks the sources
// merged. Already-merged sources are skipped, so re-running a merge with the
// same arguments is a no-op.
func (s *Store) MergePersons(ctx context.Context, targetID string, sourceIDs []string) (*Person, error) {
	for _, src := range sourceIDs {
		if src == targetID {
			return nil, fmt.Errorf("%w: cannot merge a person into itself", ErrInvalidState)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	target, err := scanPerson(tx.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE id = ?`, targetID))
	if err != nil {
		return nil, err
	}
	if target.Status != PersonActive {
		return nil, fmt.Errorf("%w: merge target is not active", ErrInvalidState)
	}

	moved := []string{}
	for _, src := range sourceIDs {
		source, err := scanPerson(tx.QueryRowContext(ctx,
			`SELECT `+personColumns+` FROM persons WHERE id = ?`, src))
		if err != nil {
			return nil, err
		}
		if source.Status == PersonMerged {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE faces SET person_id = ? WHERE person_id = ?`, targetID, src); err != nil {
			return nil, fmt.Errorf("moving faces: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE persons SET status = ?, member_count = 0, updated_at = ?
			WHERE id = ?`,
			PersonMerged, formatTime(now()), src); err != nil {
			return nil, fmt.Errorf("marking person merged: %w", err)
		}
		moved = append(moved, src)
	}

	if err := recomputePersonCentroid(ctx, tx, targetID); err != nil {
		return nil, err
	}
	if len(moved) > 0 {
		if err := appendAuditTx(ctx, tx, "persons.merge", "person", targetID,
			map[string]any{"source_ids": moved}); err != nil {
			return nil, err
		}
	}
	target, err = scanPerson(tx.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE id = ?`, targetID))
	if err != nil {
		return nil, err
	}
	return target, tx.Commit()
}

// SplitFaces moves the listed faces off their person onto a fresh one.
// Both centroids are recomputed from member embeddings; faces not listed stay
// on the original.
func (s *Store) SplitFaces(ctx context.Context, personID string, faceIDs []string) (*Person, error) {
	if len(faceIDs) == 0 {
		return nil, fmt.Errorf("%w: split needs at least one face", ErrInvalidState)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	source, err := scanPerson(tx.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE id = ?`, personID))
	if err != nil {
		return nil, err
	}
	if source.Status != PersonActive {
		return nil, fmt.Errorf("%w: split source is not active", ErrInvalidState)
	}

	for _, faceID := range faceIDs {
		face, err := scanFace(tx.QueryRowContext(ctx,
			`SELECT `+faceColumns+` FROM faces WHERE id = ?`, faceID))
		if err != nil {
			return nil, err
		}
		if face.PersonID == nil || *face.PersonID != personID {
			return nil, fmt.Errorf("%w: face %s does not belong to person %s",
				ErrInvalidState, faceID, personID)
		}
	}

	// The fresh person's centroid comes from whatever split embeddings
	// exist; faces still awaiting embeddings inherit the source centroid
	// until the next recompute catches up.
	vectors, err := faceVectorsTx(ctx, tx, faceIDs)
	if err != nil {
		return nil, err
	}
	centroid := source.Centroid
	if len(vectors) > 0 {
		centroid = vecmath.Mean(vectors)
	}

	fresh := &Person{
		Centroid:    centroid,
		MemberCount: len(faceIDs),
		CoverFaceID: &faceIDs[0],
	}
	if err := insertPerson(ctx, tx, fresh); err != nil {
		return nil, err
	}
	for _, faceID := range faceIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE faces SET person_id = ? WHERE id = ?`, fresh.ID, faceID); err != nil {
			return nil, fmt.Errorf("moving split face: %w", err)
		}
	}
	if err := recomputePersonCentroid(ctx, tx, personID); err != nil {
		return nil, err
	}
	if err := appendAuditTx(ctx, tx, "persons.split", "person", personID,
		map[string]any{"face_ids": faceIDs, "new_person_id": fresh.ID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing split: %w", err)
	}
	return fresh, nil
}

// PersonAssignment is one cluster in a full-recluster commit.
type PersonAssignment struct {
	// PersonID reuses an existing person (keeping its display name); empty
	// creates a new one.
	PersonID string
	FaceIDs  []string
	Centroid []float32
}

// ReplacePersonAssignments commits a full recluster in one transaction:
// every face's person assignment is replaced, reused persons get their new
// centroid and member count, persons absent from the new partition are
// marked merged.
func (s *Store) ReplacePersonAssignments(ctx context.Context, clusters []PersonAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`UPDATE faces SET person_id = NULL WHERE person_id IS NOT NULL`); err != nil {
		return fmt.Errorf("clearing assignments: %w", err)
	}

	kept := make(map[string]bool, len(clusters))
	for i := range clusters {
		c := &clusters[i]
		if c.PersonID == "" {
			p := &Person{Centroid: c.Centroid, MemberCount: len(c.FaceIDs)}
			if len(c.FaceIDs) > 0 {
				p.CoverFaceID = &c.FaceIDs[0]
			}
			if err := insertPerson(ctx, tx, p); err != nil {
				return err
			}
			c.PersonID = p.ID
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE persons SET centroid = ?, member_count = ?, status = ?,
					updated_at = ?
				WHERE id = ?`,
				vecmath.Encode(c.Centroid), len(c.FaceIDs), PersonActive,
				formatTime(now()), c.PersonID)
			if err != nil {
				return fmt.Errorf("updating recycled person: %w", err)
			}
			if err := requireRow(res); err != nil {
				return err
			}
		}
		kept[c.PersonID] = true
		for _, faceID := range c.FaceIDs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE faces SET person_id = ? WHERE id = ?`, c.PersonID, faceID); err != nil {
				return fmt.Errorf("assigning clustered face: %w", err)
			}
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM persons WHERE status = ?`, PersonActive)
	if err != nil {
		return fmt.Errorf("listing persons: %w", err)
	}
	var orphaned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning person id: %w", err)
		}
		if !kept[id] {
			orphaned = append(orphaned, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range orphaned {
		if _, err := tx.ExecContext(ctx, `
			UPDATE persons SET status = ?, member_count = 0, updated_at = ?
			WHERE id = ?`,
			PersonMerged, formatTime(now()), id); err != nil {
			return fmt.Errorf("retiring person: %w", err)
		}
	}

	if err := appendAuditTx(ctx, tx, "persons.recluster", "person", "*",
		map[string]any{"clusters": len(clusters), "retired": len(orphaned)}); err != nil {
		return err
	}
	return tx.Commit()
}

// CountPersonsByStatus returns person counts keyed by status.
func (s *Store) CountPersonsByStatus(ctx context.Context) (map[PersonStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM persons GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting persons: %w", err)
	}
	defer rows.Close()
	out := make(map[PersonStatus]int64)
	for rows.Next() {
		var st PersonStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning person count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// recomputePersonCentroid rebuilds member_count and the centroid of one
// person from its members' stored embeddings. Persons whose members carry no
// embeddings keep their previous centroid.
func recomputePersonCentroid(ctx context.Context, tx *sql.Tx, personID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.vector FROM faces f
		JOIN embeddings e ON e.id = f.embedding_id
		WHERE f.person_id = ?`, personID)
	if err != nil {
		return fmt.Errorf("loading member embeddings: %w", err)
	}
	var vectors [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			rows.Close()
			return fmt.Errorf("scanning member embedding: %w", err)
		}
		v, err := vecmath.Decode(blob)
		if err != nil {
			rows.Close()
			return err
		}
		vectors = append(vectors, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(vectors) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE persons SET centroid = ?, updated_at = ? WHERE id = ?`,
			vecmath.Encode(vecmath.Mean(vectors)), formatTime(now()), personID); err != nil {
			return fmt.Errorf("updating centroid: %w", err)
		}
	}
	return refreshPersonCount(ctx, tx, personID)
}

// refreshPersonCount recomputes member_count from the faces table.
func refreshPersonCount(ctx context.Context, tx *sql.Tx, personID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE persons
		SET member_count = (SELECT COUNT(*) FROM faces WHERE person_id = ?),
		    updated_at = ?
		WHERE id = ?`,
		personID, formatTime(now()), personID)
	if err != nil {
		return fmt.Errorf("refreshing member count: %w", err)
	}
	return nil
}

// faceVectorsTx loads the stored embeddings of the listed faces. Faces
// without embeddings are skipped.
func faceVectorsTx(ctx context.Context, tx *sql.Tx, faceIDs []string) ([][]float32, error) {
	var out [][]float32
	for _, faceID := range faceIDs {
		var blob []byte
		err := tx.QueryRowContext(ctx, `
			SELECT e.vector FROM faces f
			JOIN embeddings e ON e.id = f.embedding_id
			WHERE f.id = ?`, faceID).Scan(&blob)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading face embedding: %w", err)
		}
		v, err := vecmath.Decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
