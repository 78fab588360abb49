// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package vecindex

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/vecmath"
)

// Snapshot file layout, all integers little-endian:
//
//	magic "DRVX" | u16 format | model_name | model_version | u32 dim |
//	u32 count | change_seq i64 | count * (id) | count * dim * f32 |
//	sha256 of everything before the trailer
//
// Strings are u16-length-prefixed UTF-8.
const (
	snapshotMagic  = "DRVX"
	snapshotFormat = uint16(1)
)

// Save persists the current contents atomically to path.
func (x *Index) Save(path string) error {
	// Hold the writer lock so the saved snapshot and change seq agree.
	x.mu.Lock()
	snap := x.snap.Load()
	seq := x.changeSeq.Load()
	x.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	writeU16(&buf, snapshotFormat)
	writeString(&buf, x.meta.ModelName)
	writeString(&buf, x.meta.ModelVersion)
	writeU32(&buf, uint32(x.meta.Dim))
	writeU32(&buf, uint32(len(snap.ids)))
	writeI64(&buf, seq)
	for _, id := range snap.ids {
		writeString(&buf, id)
	}
	buf.Write(vecmath.Encode(snap.vectors))

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.NewTransientIOError("creating index directory", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, buf.Bytes(), 0o640); err != nil {
		_ = os.Remove(tmp)
		return errors.NewTransientIOError("writing index snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.NewTransientIOError("publishing index snapshot", err)
	}
	return nil
}

// Load replaces the index contents from a snapshot file. The snapshot must
// match the index's model name, version and dimension; a mismatch is a
// conflict and the caller falls back to a rebuild. A corrupt file (bad magic
// or checksum) is also a conflict: discard and rebuild, never trust it.
func (x *Index) Load(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return errors.NewNotFoundError(fmt.Sprintf("index snapshot %s", path), err)
	}
	if err != nil {
		return errors.NewTransientIOError("reading index snapshot", err)
	}
	if len(raw) < len(snapshotMagic)+sha256.Size {
		return errors.NewConflictError("index snapshot truncated", nil)
	}

	body, trailer := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return errors.NewConflictError("index snapshot checksum mismatch", nil)
	}

	r := bytes.NewReader(body)
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return errors.NewConflictError("index snapshot has wrong magic", err)
	}
	format, err := readU16(r)
	if err != nil || format != snapshotFormat {
		return errors.NewConflictError(
			fmt.Sprintf("unsupported index snapshot format %d", format), err)
	}
	modelName, err := readString(r)
	if err != nil {
		return errors.NewConflictError("reading snapshot model name", err)
	}
	modelVersion, err := readString(r)
	if err != nil {
		return errors.NewConflictError("reading snapshot model version", err)
	}
	dim, err := readU32(r)
	if err != nil {
		return errors.NewConflictError("reading snapshot dimension", err)
	}
	if modelName != x.meta.ModelName || modelVersion != x.meta.ModelVersion || int(dim) != x.meta.Dim {
		return errors.NewConflictError(
			fmt.Sprintf("index snapshot is for %s/%s dim %d, configured %s/%s dim %d",
				modelName, modelVersion, dim,
				x.meta.ModelName, x.meta.ModelVersion, x.meta.Dim), nil)
	}
	count, err := readU32(r)
	if err != nil {
		return errors.NewConflictError("reading snapshot count", err)
	}
	seq, err := readI64(r)
	if err != nil {
		return errors.NewConflictError("reading snapshot change seq", err)
	}

	next := emptySnapshot()
	next.ids = make([]string, count)
	for i := range next.ids {
		if next.ids[i], err = readString(r); err != nil {
			return errors.NewConflictError("reading snapshot id table", err)
		}
		next.byID[next.ids[i]] = i
	}
	blob := make([]byte, int(count)*x.meta.Dim*4)
	if _, err := io.ReadFull(r, blob); err != nil {
		return errors.NewConflictError("reading snapshot vectors", err)
	}
	if next.vectors, err = vecmath.Decode(blob); err != nil {
		return errors.NewConflictError("decoding snapshot vectors", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.snap.Store(next)
	x.changeSeq.Store(seq)
	return nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
