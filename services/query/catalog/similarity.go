// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"math"
	"strings"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// Embedder turns a phrase into an embedding vector. The query-time
// implementation must use the same model the snapshot's vectors were
// built with (Manifest.EmbeddingModel); the engine verifies this at
// wiring time.
type Embedder interface {
	// Embed returns the embedding vector for text. Implementations carry
	// their own timeout; a nil error implies a non-empty vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the embedding model name.
	Model() string
}

// =============================================================================
// Similarity Tier — precomputed nearest-neighbor lookup
// =============================================================================

// SimilaritySearch returns the top-k entries nearest to a query vector.
//
// # Description
//
// Vectors were unit-normalized at snapshot load, so cosine similarity is
// a plain dot product. The scan is linear over the snapshot's vectors —
// a few thousand indicators at most — restricted to the target provider
// when one is given, unrestricted otherwise. Non-positive similarities
// are dropped.
//
// # Inputs
//
//   - queryVec: The embedded phrase. Normalized internally.
//   - restrict: Provider to restrict to; empty restricts nothing.
//   - k: Maximum results. Non-positive k returns nil.
//
// # Outputs
//
//   - []ScoredEntry: Up to k candidates, best first.
//
// # Thread Safety
//
// Safe for concurrent use; the snapshot is immutable.
func (s *Snapshot) SimilaritySearch(queryVec []float32, restrict intent.Provider, k int) []ScoredEntry {
	if len(queryVec) == 0 || k <= 0 || len(s.vectors) == 0 {
		return nil
	}

	unit := unitNormalize(queryVec)
	if unit == nil {
		return nil
	}

	results := make([]ScoredEntry, 0, k)
	for key, vec := range s.vectors {
		provider, code, ok := splitVectorKey(key)
		if !ok {
			continue
		}
		if restrict != "" && provider != restrict {
			continue
		}

		sim := float64(dotProduct(unit, vec))
		if sim <= 0 {
			continue
		}
		if sim > 1.0 {
			sim = 1.0 // float drift on unit vectors
		}

		entry, found := s.entryByCode(provider, code)
		if !found {
			// A vector without a catalog entry means the indexing job
			// and catalog disagree; skip rather than fabricate.
			continue
		}
		results = append(results, ScoredEntry{Provider: provider, Entry: entry, Score: sim})
	}

	sortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// entryByCode finds a provider's entry by code. Linear over the provider's
// entries; the hot path is the vector scan, not this.
func (s *Snapshot) entryByCode(p intent.Provider, code string) (Entry, bool) {
	pc, ok := s.providers[p]
	if !ok {
		return Entry{}, false
	}
	for _, e := range pc.Entries {
		if e.Code == code {
			return e, true
		}
	}
	return Entry{}, false
}

// splitVectorKey parses a "provider/code" vector key.
func splitVectorKey(key string) (intent.Provider, string, bool) {
	i := strings.IndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	p := intent.Provider(key[:i])
	if !p.Valid() {
		return "", "", false
	}
	return p, key[i+1:], true
}

// normalizeVectors unit-normalizes every vector in place so query-time
// cosine reduces to a dot product. Zero vectors are deleted.
func normalizeVectors(vectors map[string][]float32) {
	for key, vec := range vectors {
		unit := unitNormalize(vec)
		if unit == nil {
			delete(vectors, key)
			continue
		}
		vectors[key] = unit
	}
}

// unitNormalize returns a unit-length copy of v, or nil for a zero vector.
func unitNormalize(v []float32) []float32 {
	norm := l2Norm(v)
	if norm == 0 {
		return nil
	}
	unit := make([]float32, len(v))
	for i, x := range v {
		unit[i] = x / float32(norm)
	}
	return unit
}

// l2Norm computes the L2 (Euclidean) norm of a float32 vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// dotProduct computes the dot product of two float32 vectors.
// Mismatched lengths use the shorter.
func dotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
