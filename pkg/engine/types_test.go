// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey(t *testing.T) {
	t.Parallel()

	k1 := IdempotencyKey("embed_image", "asset-1", "clip", "1")
	k2 := IdempotencyKey("embed_image", "asset-1", "clip", "1")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	// Part boundaries matter: ("ab","c") and ("a","bc") are distinct work.
	assert.NotEqual(t, IdempotencyKey("ab", "c"), IdempotencyKey("a", "bc"))
}

func TestTaskBuilders(t *testing.T) {
	t.Parallel()

	t.Run("thumbnail", func(t *testing.T) {
		t.Parallel()
		task, err := ThumbnailTask("asset-1", []int{256, 1024}, 3)
		require.NoError(t, err)
		assert.Equal(t, TypeThumbnail, task.Type)
		assert.Equal(t, PriorityThumbnail, task.Priority)
		assert.Equal(t, 3, task.MaxRetries)
		assert.NotEmpty(t, task.IdempotencyKey)

		var p ThumbnailPayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		assert.Equal(t, "asset-1", p.AssetID)
		assert.Equal(t, []int{256, 1024}, p.Sizes)
	})

	t.Run("embed image keyed by model", func(t *testing.T) {
		t.Parallel()
		a, err := EmbedImageTask("asset-1", "clip", "1", 3)
		require.NoError(t, err)
		b, err := EmbedImageTask("asset-1", "clip", "2", 3)
		require.NoError(t, err)
		assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
	})

	t.Run("keyframes carries the interval", func(t *testing.T) {
		t.Parallel()
		task, err := KeyframesTask("asset-1", 5, 3)
		require.NoError(t, err)
		var p KeyframesPayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		assert.Equal(t, 5, p.IntervalSeconds)
	})

	t.Run("recluster is singular", func(t *testing.T) {
		t.Parallel()
		a, err := ReclusterTask(0)
		require.NoError(t, err)
		b, err := ReclusterTask(0)
		require.NoError(t, err)
		assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
		assert.Equal(t, PriorityMaintenance, a.Priority)
	})
}
