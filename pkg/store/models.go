// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"time"
)

// AssetStatus is the lifecycle state of an ingested media file.
type AssetStatus string

// Asset statuses.
const (
	AssetActive  AssetStatus = "active"
	AssetMissing AssetStatus = "missing"
	AssetDeleted AssetStatus = "deleted"
)

// Asset is a unique ingested media file, identified by content hash.
// Identity (ID, SHA256) is immutable once created; Path and Status change
// across rescans.
type Asset struct {
	ID          string
	Path        string
	SizeBytes   int64
	MtimeNS     int64
	SHA256      string
	PHash       uint64
	MIME        string
	Width       int
	Height      int
	TakenAt     *time.Time
	CameraMake  string
	CameraModel string
	GPSLat      *float64
	GPSLon      *float64
	Status      AssetStatus
	LastSeenAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OwnerKind names the entity an embedding belongs to.
type OwnerKind string

// Embedding owners.
const (
	OwnerAsset OwnerKind = "asset"
	OwnerFace  OwnerKind = "face"
)

// Modality is the embedding space a vector lives in.
type Modality string

// Embedding modalities.
const (
	ModalityImage Modality = "image"
	ModalityText  Modality = "text"
	ModalityFace  Modality = "face"
)

// Embedding is a fixed-dimension L2-normalized vector produced by a named
// model at a named version. Rows are immutable after creation; a model or
// version change coexists as a new row.
type Embedding struct {
	ID           string
	OwnerKind    OwnerKind
	OwnerID      string
	Modality     Modality
	ModelName    string
	ModelVersion string
	Dim          int
	Vector       []float32
	CreatedAt    time.Time
}

// Caption is a generated or user-edited description of an asset. A row with
// UserEdited set is never overwritten by regeneration.
type Caption struct {
	ID           string
	AssetID      string
	ModelName    string
	ModelVersion string
	Body         string
	UserEdited   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Face is a detected face within an asset: a pixel-space bounding box plus
// the detector confidence. EmbeddingID is nil until the face embedding task
// has run; PersonID is nil while the face is unassigned.
type Face struct {
	ID          string
	AssetID     string
	X, Y, W, H  float64
	DetScore    float64
	EmbeddingID *string
	PersonID    *string
	CreatedAt   time.Time
}

// PersonStatus is the lifecycle state of a person cluster.
type PersonStatus string

// Person statuses. A merged person keeps its row (for audit trails) but no
// longer owns faces and is excluded from assignment and search.
const (
	PersonActive PersonStatus = "active"
	PersonMerged PersonStatus = "merged"
)

// Person is a cluster of faces grouped by embedding similarity. Centroid is
// the L2-normalized running mean of the members' face embeddings.
type Person struct {
	ID          string
	DisplayName string
	Centroid    []float32
	MemberCount int
	CoverFaceID *string
	Status      PersonStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskState is the lifecycle state of a durable task.
type TaskState string

// Task states.
const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskDead      TaskState = "dead"
	TaskCancelled TaskState = "cancelled"
)

// TerminalTaskStates lists the states a task never leaves on its own
// (requeue is an explicit admin operation).
var TerminalTaskStates = []TaskState{TaskDone, TaskDead, TaskCancelled}

// Task is a durable unit of work with a type-specific payload.
type Task struct {
	ID              string
	Type            string
	Payload         json.RawMessage
	Priority        int
	State           TaskState
	RetryCount      int
	MaxRetries      int
	ScheduledAt     time.Time
	ClaimedAt       *time.Time
	FinishedAt      *time.Time
	LastError       string
	CancelRequested bool
	ProgressCurrent int64
	ProgressTotal   int64
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuditRecord is an append-only trace of an administrative mutation.
type AuditRecord struct {
	ID          int64
	Op          string
	SubjectKind string
	SubjectID   string
	Detail      json.RawMessage
	Actor       string
	CreatedAt   time.Time
}
