// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendAudit records one administrative mutation.
func (s *Store) AppendAudit(ctx context.Context, op, subjectKind, subjectID string, detail any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)
	if err := appendAuditTx(ctx, tx, op, subjectKind, subjectID, detail); err != nil {
		return err
	}
	return tx.Commit()
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, op, subjectKind, subjectID string, detail any) error {
	raw := []byte("{}")
	if detail != nil {
		var err error
		if raw, err = json.Marshal(detail); err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records (op, subject_kind, subject_id, detail, actor, created_at)
		VALUES (?, ?, ?, ?, 'system', ?)`,
		op, subjectKind, subjectID, string(raw), formatTime(now()))
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// ListAudit returns audit records for one subject, newest first.
func (s *Store) ListAudit(ctx context.Context, subjectKind, subjectID string, limit int) ([]*AuditRecord, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op, subject_kind, subject_id, detail, actor, created_at
		FROM audit_records
		WHERE subject_kind = ? AND subject_id = ?
		ORDER BY id DESC LIMIT ?`,
		subjectKind, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var (
			r         AuditRecord
			detail    string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Op, &r.SubjectKind, &r.SubjectID,
			&detail, &r.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		r.Detail = []byte(detail)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
