// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const assetColumns = `id, path, size_bytes, mtime_ns, sha256, phash, mime, width, height,
	taken_at, camera_make, camera_model, gps_lat, gps_lon, status, last_seen_at,
	created_at, updated_at`

// prefixedAssetColumns qualifies assetColumns with a table alias for joins.
func prefixedAssetColumns(alias string) string {
	cols := strings.Split(assetColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanAsset(row scanner) (*Asset, error) {
	var (
		a          Asset
		phash      int64
		takenAt    sql.NullString
		gpsLat     sql.NullFloat64
		gpsLon     sql.NullFloat64
		lastSeenAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&a.ID, &a.Path, &a.SizeBytes, &a.MtimeNS, &a.SHA256, &phash,
		&a.MIME, &a.Width, &a.Height, &takenAt, &a.CameraMake, &a.CameraModel,
		&gpsLat, &gpsLon, &a.Status, &lastSeenAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning asset: %w", err)
	}
	a.PHash = uint64(phash)
	if a.TakenAt, err = parseTimePtr(takenAt); err != nil {
		return nil, err
	}
	if gpsLat.Valid {
		a.GPSLat = &gpsLat.Float64
	}
	if gpsLon.Valid {
		a.GPSLon = &gpsLon.Float64
	}
	if a.LastSeenAt, err = parseTimePtr(lastSeenAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAsset inserts a new asset row. The ID is generated when empty.
// A sha256 collision returns ErrAlreadyExists; the caller is expected to
// look the existing row up and dedup.
func (s *Store) CreateAsset(ctx context.Context, a *Asset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertAsset(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAssetWithTasks inserts the asset and its derivation fan-out in one
// transaction: no asset row ever exists without its tasks, and no tasks
// without their asset. Returns the tasks as persisted (deduplicated rows
// keep their original id).
func (s *Store) CreateAssetWithTasks(ctx context.Context, a *Asset, tasks []*Task) ([]*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertAsset(ctx, tx, a); err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		persisted, _, err := enqueueTaskTx(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, persisted)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing asset fan-out: %w", err)
	}
	return out, nil
}

func insertAsset(ctx context.Context, tx *sql.Tx, a *Asset) error {
	if a.Path == "" || a.SHA256 == "" {
		return fmt.Errorf("%w: asset needs path and sha256", ErrInvalidState)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AssetActive
	}
	ts := now()
	a.CreatedAt, a.UpdatedAt = ts, ts
	seen := ts
	a.LastSeenAt = &seen

	_, err := tx.ExecContext(ctx, `
		INSERT INTO assets (id, path, size_bytes, mtime_ns, sha256, phash, mime,
			width, height, taken_at, camera_make, camera_model, gps_lat, gps_lon,
			status, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Path, a.SizeBytes, a.MtimeNS, a.SHA256, int64(a.PHash), a.MIME,
		a.Width, a.Height, formatTimePtr(a.TakenAt), a.CameraMake, a.CameraModel,
		a.GPSLat, a.GPSLon, a.Status, formatTime(seen), formatTime(ts), formatTime(ts))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting asset: %w", err)
	}
	return nil
}

// GetAsset returns the asset with the given id.
func (s *Store) GetAsset(ctx context.Context, id string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	return scanAsset(row)
}

// GetAssetBySHA256 returns the asset with the given content hash.
func (s *Store) GetAssetBySHA256(ctx context.Context, sha256 string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE sha256 = ?`, sha256)
	return scanAsset(row)
}

// GetAssetByPath returns the asset currently recorded at path.
func (s *Store) GetAssetByPath(ctx context.Context, path string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE path = ? ORDER BY id LIMIT 1`, path)
	return scanAsset(row)
}

// AssetFilter narrows ListAssets. Zero values mean "any".
type AssetFilter struct {
	Status     AssetStatus
	MIMEPrefix string // e.g. "image/" or a full type
	Page       int    // 1-based; 0 means 1
	PageSize   int    // 0 means 50
}

// ListAssets returns a page of assets ordered by created_at desc, id asc,
// plus the unpaginated total.
func (s *Store) ListAssets(ctx context.Context, f AssetFilter) ([]*Asset, int, error) {
	where, args := []string{"1=1"}, []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.MIMEPrefix != "" {
		where = append(where, "mime LIKE ?")
		args = append(args, f.MIMEPrefix+"%")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assets WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting assets: %w", err)
	}

	page, size := normalizePage(f.Page, f.PageSize)
	args = append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE `+cond+`
		 ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing assets: %w", err)
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

// GetAssetsByIDs returns the subset of ids that exist, keyed by id.
func (s *Store) GetAssetsByIDs(ctx context.Context, ids []string) (map[string]*Asset, error) {
	out := make(map[string]*Asset, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching assets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// TouchAssetSeen records that a scan pass observed the asset at path,
// updating the path when the file moved.
func (s *Store) TouchAssetSeen(ctx context.Context, id, path string, sizeBytes, mtimeNS int64) error {
	ts := formatTime(now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET path = ?, size_bytes = ?, mtime_ns = ?,
			last_seen_at = ?, updated_at = ?
		WHERE id = ?`,
		path, sizeBytes, mtimeNS, ts, ts, id)
	if err != nil {
		return fmt.Errorf("touching asset: %w", err)
	}
	return requireRow(res)
}

// ReactivateAsset flips a missing or deleted asset back to active; the scan
// found its content again (possibly at a new path).
func (s *Store) ReactivateAsset(ctx context.Context, id, path string, sizeBytes, mtimeNS int64) error {
	ts := formatTime(now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET status = ?, path = ?, size_bytes = ?, mtime_ns = ?,
			last_seen_at = ?, updated_at = ?
		WHERE id = ?`,
		AssetActive, path, sizeBytes, mtimeNS, ts, ts, id)
	if err != nil {
		return fmt.Errorf("reactivating asset: %w", err)
	}
	return requireRow(res)
}

// UpdateAssetStatus sets the lifecycle status of one asset.
func (s *Store) UpdateAssetStatus(ctx context.Context, id string, status AssetStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("updating asset status: %w", err)
	}
	return requireRow(res)
}

// UpdateAssetMetadata records decode-time facts (dimensions, EXIF fields)
// discovered after the row was created.
func (s *Store) UpdateAssetMetadata(ctx context.Context, a *Asset) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET mime = ?, width = ?, height = ?, taken_at = ?,
			camera_make = ?, camera_model = ?, gps_lat = ?, gps_lon = ?,
			phash = ?, updated_at = ?
		WHERE id = ?`,
		a.MIME, a.Width, a.Height, formatTimePtr(a.TakenAt),
		a.CameraMake, a.CameraModel, a.GPSLat, a.GPSLon,
		int64(a.PHash), formatTime(now()), a.ID)
	if err != nil {
		return fmt.Errorf("updating asset metadata: %w", err)
	}
	return requireRow(res)
}

// MarkMissingUnderRoots flips active assets under the given roots that were
// not seen since cutoff to missing, and returns how many. Rows and derived
// artifacts are retained; a later scan can reactivate them.
func (s *Store) MarkMissingUnderRoots(ctx context.Context, roots []string, cutoff time.Time) (int64, error) {
	if len(roots) == 0 {
		return 0, nil
	}
	where := make([]string, 0, len(roots))
	args := []any{AssetMissing, formatTime(now()), AssetActive, formatTime(cutoff)}
	for _, root := range roots {
		where = append(where, "path LIKE ?")
		args = append(args, strings.TrimSuffix(root, "/")+"/%")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET status = ?, updated_at = ?
		WHERE status = ?
		  AND (last_seen_at IS NULL OR last_seen_at < ?)
		  AND (`+strings.Join(where, " OR ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("marking missing assets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting missing assets: %w", err)
	}
	return n, nil
}

// NearDuplicate is an asset within Hamming distance of a reference phash.
type NearDuplicate struct {
	Asset    *Asset
	Distance int
}

// NearDuplicates returns active assets whose perceptual hash is within
// maxDistance bits of the given asset's, ordered by distance then id. The
// reference asset itself and assets without a hash are excluded. Perceptual
// similarity never collapses identity; this is a read-only query.
func (s *Store) NearDuplicates(ctx context.Context, assetID string, maxDistance int) ([]NearDuplicate, error) {
	ref, err := s.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if ref.PHash == 0 {
		return nil, nil
	}

	// The candidate set is every hashed active asset; Hamming distance is
	// computed here rather than in SQL. Libraries fit; a 64-bit popcount
	// over a full scan does not need an index.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE status = ? AND phash != 0 AND id != ?`, AssetActive, assetID)
	if err != nil {
		return nil, fmt.Errorf("scanning phash candidates: %w", err)
	}
	defer rows.Close()

	var out []NearDuplicate
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		d := bits.OnesCount64(ref.PHash ^ a.PHash)
		if d <= maxDistance {
			out = append(out, NearDuplicate{Asset: a, Distance: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Asset.ID < out[j].Asset.ID
	})
	return out, nil
}

// CountAssetsByStatus returns asset counts keyed by status.
func (s *Store) CountAssetsByStatus(ctx context.Context) (map[AssetStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM assets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting assets: %w", err)
	}
	defer rows.Close()
	out := make(map[AssetStatus]int64)
	for rows.Next() {
		var st AssetStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning asset count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// normalizePage clamps pagination arguments to sane bounds.
func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	if size > 500 {
		size = 500
	}
	return page, size
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
