// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vecmath provides the vector operations shared by the store, the
// vector index, the clusterer and search: inner products over L2-normalized
// embeddings and the binary codec used to persist them.
package vecmath

import (
	"encoding/binary"
	"fmt"
	"math"
)

// InnerProduct computes the dot product of two vectors. For L2-normalized
// inputs this equals their cosine similarity. Both vectors must have the
// same length.
func InnerProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value in [-1, 1] where 1 means identical direction,
// 0 means orthogonal, and -1 means opposite direction.
// Both vectors must have the same length.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Norm returns the L2 norm of the vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a copy of v scaled to unit L2 norm. A zero vector is
// returned unchanged; callers that cannot tolerate zero vectors must check
// Norm themselves.
func Normalize(v []float32) []float32 {
	norm := Norm(v)
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// RunningMean folds one new vector into a mean over n prior vectors and
// returns the re-normalized result. This is the centroid update used by
// incremental person assignment.
func RunningMean(mean []float32, n int, v []float32) []float32 {
	out := make([]float32, len(mean))
	fn := float64(n)
	for i := range mean {
		out[i] = float32((float64(mean[i])*fn + float64(v[i])) / (fn + 1))
	}
	return Normalize(out)
}

// Mean returns the re-normalized arithmetic mean of the given vectors.
// All vectors must share the same dimension; the slice must not be empty.
func Mean(vecs [][]float32) []float32 {
	acc := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, len(acc))
	for i, x := range acc {
		out[i] = float32(x / float64(len(vecs)))
	}
	return Normalize(out)
}

// Encode serializes a float32 slice to a little-endian byte slice.
func Encode(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Decode deserializes a little-endian byte slice into a float32 slice.
// The blob length must be a multiple of 4.
func Decode(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
