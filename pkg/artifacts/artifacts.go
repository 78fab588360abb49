// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package artifacts is the derived-artifact store: a content-partitioned
// filesystem tree for thumbnails, face crops and keyframes under the
// configured derived root.
//
// Artifacts are reproducible by-products; arbitrary deletion is tolerated
// because the owning task re-derives them on the next request. Writes are
// atomic (temp file + rename), so no partial file is ever visible at a final
// path.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/darkroomlabs/darkroom/pkg/errors"
)

// Store writes and reads derived artifacts under a root directory. Files are
// partitioned by asset id prefix: <id[:2]>/<id>/<name>.
type Store struct {
	root string
}

// New creates the artifact store, ensuring the root exists.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.NewTransientIOError(
			fmt.Sprintf("creating artifact root %s", root), err)
	}
	return &Store{root: root}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string { return s.root }

// ThumbName is the artifact name for a thumbnail at one bounding size.
func ThumbName(size int) string {
	return fmt.Sprintf("thumb_%d.jpg", size)
}

// FaceCropName is the artifact name for one face crop.
func FaceCropName(faceID string) string {
	return fmt.Sprintf("face_%s.jpg", faceID)
}

// KeyframeName is the artifact name for the nth extracted video keyframe.
func KeyframeName(n int) string {
	return fmt.Sprintf("keyframe_%03d.jpg", n)
}

// path maps (assetID, name) to the final on-disk location.
func (s *Store) path(assetID, name string) string {
	prefix := assetID
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, prefix, assetID, name)
}

// Write stores data for one asset artifact atomically and returns the
// hex-encoded sha256 of the bytes written.
func (s *Store) Write(assetID, name string, data []byte) (string, error) {
	final := s.path(assetID, name)
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return "", errors.NewTransientIOError("creating artifact directory", err)
	}

	// The temp file lives in the destination directory so the rename stays
	// on one filesystem and is atomic.
	tmp := final + ".tmp-" + uuid.NewString()
	if err := writeAndSync(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", errors.NewTransientIOError("publishing artifact", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return errors.NewTransientIOError("creating artifact temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.NewTransientIOError("writing artifact", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.NewTransientIOError("syncing artifact", err)
	}
	if err := f.Close(); err != nil {
		return errors.NewTransientIOError("closing artifact", err)
	}
	return nil
}

// Read returns the bytes of one artifact, or a not_found error when it was
// never derived (or has been deleted out from under us).
func (s *Store) Read(assetID, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(assetID, name))
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("artifact %s/%s", assetID, name), err)
	}
	if err != nil {
		return nil, errors.NewTransientIOError("reading artifact", err)
	}
	return data, nil
}

// Exists reports whether the artifact is present on disk.
func (s *Store) Exists(assetID, name string) bool {
	_, err := os.Stat(s.path(assetID, name))
	return err == nil
}

// Verify re-hashes the artifact and compares against the recorded checksum.
func (s *Store) Verify(assetID, name, wantSHA256 string) error {
	data, err := s.Read(assetID, name)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != wantSHA256 {
		return errors.NewTransientIOError(
			fmt.Sprintf("artifact %s/%s checksum mismatch (have %s, want %s)",
				assetID, name, got, wantSHA256), nil)
	}
	return nil
}

// Sweep removes every artifact of one asset. Missing trees are fine.
func (s *Store) Sweep(assetID string) error {
	dir := filepath.Dir(s.path(assetID, "x"))
	if err := os.RemoveAll(dir); err != nil {
		return errors.NewTransientIOError("sweeping artifacts", err)
	}
	return nil
}
