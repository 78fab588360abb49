// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/darkroomlabs/darkroom/pkg/store"
)

// Task types. The ingestion fan-out enqueues the derivation chain; the
// maintenance types are enqueued by admin surfaces.
const (
	TypeThumbnail    = "generate_thumbnail"
	TypeEmbedImage   = "embed_image"
	TypeCaption      = "generate_caption"
	TypeDetectFaces  = "detect_faces"
	TypeEmbedFace    = "embed_face"
	TypeKeyframes    = "video_keyframes"
	TypeIndexRebuild = "rebuild_index"
	TypeRecluster    = "recluster_full"
	TypeScan         = "ingest_scan"
)

// Task priorities, lower runs sooner. Cheap user-visible derivations first,
// heavy maintenance last.
const (
	PriorityThumbnail   = 10
	PriorityEmbedImage  = 20
	PriorityCaption     = 30
	PriorityDetectFaces = 40
	PriorityEmbedFace   = 40
	PriorityKeyframes   = 45
	PriorityMaintenance = 50
)

// DefaultThumbnailSizes are the bounding edges rendered for every asset.
// The small size serves grids, the large one serves lightboxes.
var DefaultThumbnailSizes = []int{256, 1024}

// Payloads. Every field is part of the task's durable contract; payloads
// must stay decodable across releases.

// ThumbnailPayload names the asset and the bounding sizes to render.
type ThumbnailPayload struct {
	AssetID string `json:"asset_id"`
	Sizes   []int  `json:"sizes"`
}

// EmbedImagePayload names the asset to embed.
type EmbedImagePayload struct {
	AssetID string `json:"asset_id"`
}

// CaptionPayload names the asset to caption.
type CaptionPayload struct {
	AssetID string `json:"asset_id"`
}

// DetectFacesPayload names the asset to scan for faces.
type DetectFacesPayload struct {
	AssetID string `json:"asset_id"`
}

// EmbedFacePayload names the face detection to embed.
type EmbedFacePayload struct {
	FaceID string `json:"face_id"`
}

// KeyframesPayload names the video asset and the sampling interval.
type KeyframesPayload struct {
	AssetID         string `json:"asset_id"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// IndexRebuildPayload names the embedding space to rebuild the index for.
type IndexRebuildPayload struct {
	Modality     string `json:"modality"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
}

// ReclusterPayload selects the clustering scope.
type ReclusterPayload struct {
	Scope string `json:"scope"` // full
}

// ScanPayload lists the roots to walk; empty means the configured
// ORIGINALS_PATHS.
type ScanPayload struct {
	Roots []string `json:"roots,omitempty"`
}

// IdempotencyKey hashes the identifying parts of a piece of work so that
// re-enqueueing it cannot create a duplicate active task.
func IdempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// NewTask builds a pending task with an encoded payload.
func NewTask(taskType string, payload any, priority, maxRetries int, idempotencyKey string) (*store.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", taskType, err)
	}
	return &store.Task{
		Type:           taskType,
		Payload:        raw,
		Priority:       priority,
		MaxRetries:     maxRetries,
		IdempotencyKey: idempotencyKey,
	}, nil
}

// ThumbnailTask builds the thumbnail derivation for one asset.
func ThumbnailTask(assetID string, sizes []int, maxRetries int) (*store.Task, error) {
	sz := make([]string, len(sizes))
	for i, s := range sizes {
		sz[i] = strconv.Itoa(s)
	}
	return NewTask(TypeThumbnail, ThumbnailPayload{AssetID: assetID, Sizes: sizes},
		PriorityThumbnail, maxRetries,
		IdempotencyKey(TypeThumbnail, assetID, strings.Join(sz, ",")))
}

// EmbedImageTask builds the image-embedding derivation for one asset under
// one model.
func EmbedImageTask(assetID, modelName, modelVersion string, maxRetries int) (*store.Task, error) {
	return NewTask(TypeEmbedImage, EmbedImagePayload{AssetID: assetID},
		PriorityEmbedImage, maxRetries,
		IdempotencyKey(TypeEmbedImage, assetID, modelName, modelVersion))
}

// CaptionTask builds the caption derivation for one asset under one model.
func CaptionTask(assetID, modelName, modelVersion string, maxRetries int) (*store.Task, error) {
	return NewTask(TypeCaption, CaptionPayload{AssetID: assetID},
		PriorityCaption, maxRetries,
		IdempotencyKey(TypeCaption, assetID, modelName, modelVersion))
}

// DetectFacesTask builds the face-detection derivation for one asset.
func DetectFacesTask(assetID, modelName, modelVersion string, maxRetries int) (*store.Task, error) {
	return NewTask(TypeDetectFaces, DetectFacesPayload{AssetID: assetID},
		PriorityDetectFaces, maxRetries,
		IdempotencyKey(TypeDetectFaces, assetID, modelName, modelVersion))
}

// EmbedFaceTask builds the face-embedding derivation for one detection.
func EmbedFaceTask(faceID, modelName, modelVersion string, maxRetries int) (*store.Task, error) {
	return NewTask(TypeEmbedFace, EmbedFacePayload{FaceID: faceID},
		PriorityEmbedFace, maxRetries,
		IdempotencyKey(TypeEmbedFace, faceID, modelName, modelVersion))
}

// KeyframesTask builds the keyframe extraction for one video asset.
func KeyframesTask(assetID string, intervalSeconds, maxRetries int) (*store.Task, error) {
	return NewTask(TypeKeyframes,
		KeyframesPayload{AssetID: assetID, IntervalSeconds: intervalSeconds},
		PriorityKeyframes, maxRetries,
		IdempotencyKey(TypeKeyframes, assetID, strconv.Itoa(intervalSeconds)))
}

// IndexRebuildTask builds the index rebuild for one embedding space.
func IndexRebuildTask(modality, modelName, modelVersion string, maxRetries int) (*store.Task, error) {
	return NewTask(TypeIndexRebuild,
		IndexRebuildPayload{Modality: modality, ModelName: modelName, ModelVersion: modelVersion},
		PriorityMaintenance, maxRetries,
		IdempotencyKey(TypeIndexRebuild, modality, modelName, modelVersion))
}

// ReclusterTask builds the full person recluster. The idempotency key keeps
// a second full recluster from queueing while one is active.
func ReclusterTask(maxRetries int) (*store.Task, error) {
	return NewTask(TypeRecluster, ReclusterPayload{Scope: "full"},
		PriorityMaintenance, maxRetries,
		IdempotencyKey(TypeRecluster, "full"))
}

// ScanTask builds an ingestion scan over the given roots.
func ScanTask(roots []string, maxRetries int) (*store.Task, error) {
	return NewTask(TypeScan, ScanPayload{Roots: roots},
		PriorityMaintenance, maxRetries,
		IdempotencyKey(TypeScan, strings.Join(roots, ",")))
}
