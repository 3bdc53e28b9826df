// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog owns the read-only indicator knowledge the resolver walks:
// the flattened per-provider indicator catalog, each provider's structured
// dataflow metadata, and the precomputed similarity index. All of it loads
// from one versioned snapshot artifact and is published to readers through
// an atomic swap — no reader ever observes a partially rebuilt snapshot.
package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/statquery/services/query/intent"
)

var snapshotTracer = otel.Tracer("statquery.query.catalog")

// MaxCatalogFileSize caps the catalog YAML to guard the loader against a
// corrupted artifact.
const MaxCatalogFileSize = 64 << 20 // 64 MiB

// manifestFileName, catalogFileName, vectorsFileName are the fixed file
// names inside a snapshot directory. The offline indexing job writes them;
// this loader only reads.
const (
	manifestFileName = "manifest.yaml"
	catalogFileName  = "catalog.yaml"
	vectorsFileName  = "vectors.gob"
)

// =============================================================================
// Snapshot Types
// =============================================================================

// Manifest describes one snapshot artifact produced by the offline
// indexing job. Checksums make the load all-or-nothing: a snapshot whose
// files do not match the manifest is rejected whole.
type Manifest struct {
	// Version is a monotonically increasing snapshot number.
	Version int `yaml:"version"`

	// BuiltAt is when the indexing job produced this snapshot.
	BuiltAt time.Time `yaml:"built_at"`

	// EmbeddingModel is the model that produced vectors.gob. Query-time
	// phrase embeddings must use the same model or similarity scores are
	// meaningless; the resolver checks this at startup.
	EmbeddingModel string `yaml:"embedding_model"`

	// Checksums maps file name to lowercase hex SHA-256.
	Checksums map[string]string `yaml:"checksums"`
}

// Entry is one flattened indicator known to one provider.
type Entry struct {
	// Code is the provider-specific series identifier.
	Code string `yaml:"code"`

	// Name is the display name.
	Name string `yaml:"name"`

	// Description is the provider's series description.
	Description string `yaml:"description"`

	// Aliases are exact common phrasings that map straight to this code
	// (the hardcoded tier). Normalized at load time.
	Aliases []string `yaml:"aliases"`

	// Dataflow is the provider's structured dataflow id, when the
	// provider publishes one. Empty for flat-catalog providers.
	Dataflow string `yaml:"dataflow"`

	// Dimensions are the dataflow dimension values, when structured.
	Dimensions map[string]string `yaml:"dimensions"`
}

// ProviderCatalog is everything the snapshot knows about one provider.
type ProviderCatalog struct {
	// Structured is true when the provider publishes a dataflow catalog
	// usable by the structured tier.
	Structured bool `yaml:"structured"`

	// Entries are the provider's flattened indicators.
	Entries []Entry `yaml:"entries"`
}

// catalogFile is the on-disk shape of catalog.yaml.
type catalogFile struct {
	Providers map[intent.Provider]ProviderCatalog `yaml:"providers"`
}

// Snapshot is one immutable, fully-loaded catalog + index generation.
//
// # Description
//
// A Snapshot is built off to the side by Load and then published via
// Store.Swap. Nothing mutates a Snapshot after Load returns; every lookup
// structure (alias table, BM25 index, similarity vectors) is prebuilt.
//
// # Thread Safety
//
// Immutable after Load. Safe for concurrent use.
type Snapshot struct {
	manifest  Manifest
	providers map[intent.Provider]ProviderCatalog

	// aliases maps provider → normalized alias phrase → entry index.
	aliases map[intent.Provider]map[string]int

	// bm25 holds one prebuilt index per provider for catalog-tier scoring.
	bm25 map[intent.Provider]*bm25Index

	// vectors maps "provider/code" → unit-normalized embedding vector.
	vectors map[string][]float32
}

// Version returns the snapshot's manifest version.
func (s *Snapshot) Version() int { return s.manifest.Version }

// EmbeddingModel returns the model that produced the snapshot's vectors.
func (s *Snapshot) EmbeddingModel() string { return s.manifest.EmbeddingModel }

// Provider returns the catalog for one provider; ok is false when the
// snapshot has no entries for it.
func (s *Snapshot) Provider(p intent.Provider) (ProviderCatalog, bool) {
	pc, ok := s.providers[p]
	return pc, ok
}

// EntryCount returns the total number of indicator entries across providers.
func (s *Snapshot) EntryCount() int {
	n := 0
	for _, pc := range s.providers {
		n += len(pc.Entries)
	}
	return n
}

// =============================================================================
// Loading
// =============================================================================

// Load reads and verifies a snapshot directory.
//
// # Description
//
// Reads manifest.yaml, verifies the SHA-256 of catalog.yaml and
// vectors.gob against it, parses both, normalizes aliases, and prebuilds
// the per-provider alias tables and BM25 indexes. Any failure rejects the
// snapshot whole — the caller keeps whatever snapshot it had.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - dir: Snapshot directory written by the offline indexing job.
//
// # Outputs
//
//   - *Snapshot: Fully built, immutable snapshot.
//   - error: Non-nil on any read, checksum, parse, or validation failure.
func Load(ctx context.Context, dir string) (*Snapshot, error) {
	_, span := snapshotTracer.Start(ctx, "catalog.Load",
		trace.WithAttributes(attribute.String("snapshot_dir", dir)),
	)
	defer span.End()

	manifestRaw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("catalog load: read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("catalog load: parse manifest: %w", err)
	}
	if manifest.Version <= 0 {
		return nil, fmt.Errorf("catalog load: manifest version %d invalid", manifest.Version)
	}
	if manifest.EmbeddingModel == "" {
		return nil, fmt.Errorf("catalog load: manifest missing embedding_model")
	}

	catalogRaw, err := readVerified(dir, catalogFileName, manifest.Checksums)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}
	if len(catalogRaw) > MaxCatalogFileSize {
		return nil, fmt.Errorf("catalog load: catalog exceeds maximum size (%d > %d)", len(catalogRaw), MaxCatalogFileSize)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(catalogRaw, &cf); err != nil {
		return nil, fmt.Errorf("catalog load: parse catalog: %w", err)
	}
	if len(cf.Providers) == 0 {
		return nil, fmt.Errorf("catalog load: catalog has no providers")
	}

	vectorsRaw, err := readVerified(dir, vectorsFileName, manifest.Checksums)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}
	vectors, err := decodeVectors(vectorsRaw)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}

	snap, err := build(manifest, cf.Providers, vectors)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}

	span.SetAttributes(
		attribute.Int("snapshot_version", manifest.Version),
		attribute.Int("entry_count", snap.EntryCount()),
		attribute.Int("vector_count", len(vectors)),
	)

	slog.Info("catalog snapshot loaded",
		slog.Int("version", manifest.Version),
		slog.Int("providers", len(cf.Providers)),
		slog.Int("entries", snap.EntryCount()),
		slog.Int("vectors", len(vectors)),
		slog.String("embedding_model", manifest.EmbeddingModel),
	)

	return snap, nil
}

// build assembles the immutable lookup structures from parsed parts.
// Split from Load so tests can construct snapshots without a directory.
func build(manifest Manifest, providers map[intent.Provider]ProviderCatalog, vectors map[string][]float32) (*Snapshot, error) {
	aliases := make(map[intent.Provider]map[string]int, len(providers))
	bm25 := make(map[intent.Provider]*bm25Index, len(providers))

	for p, pc := range providers {
		if !p.Valid() {
			return nil, fmt.Errorf("catalog names unknown provider %q", p)
		}
		table := make(map[string]int)
		for i, e := range pc.Entries {
			if e.Code == "" {
				return nil, fmt.Errorf("provider %s entry %d has empty code", p, i)
			}
			for _, alias := range e.Aliases {
				norm := intent.NormalizePhrase(alias)
				if norm == "" {
					continue
				}
				if prev, dup := table[norm]; dup && prev != i {
					return nil, fmt.Errorf("provider %s: alias %q maps to both %s and %s",
						p, norm, pc.Entries[prev].Code, e.Code)
				}
				table[norm] = i
			}
		}
		aliases[p] = table
		bm25[p] = buildBM25Index(pc.Entries)
	}

	normalizeVectors(vectors)

	return &Snapshot{
		manifest:  manifest,
		providers: providers,
		aliases:   aliases,
		bm25:      bm25,
		vectors:   vectors,
	}, nil
}

// NewSnapshotForTest builds a snapshot directly from parts, bypassing the
// directory artifact. Test helper; production always goes through Load.
func NewSnapshotForTest(manifest Manifest, providers map[intent.Provider]ProviderCatalog, vectors map[string][]float32) (*Snapshot, error) {
	if vectors == nil {
		vectors = map[string][]float32{}
	}
	return build(manifest, providers, vectors)
}

// readVerified reads a snapshot file and checks it against the manifest
// checksum. A file absent from the manifest is a build defect.
func readVerified(dir, name string, checksums map[string]string) ([]byte, error) {
	want, ok := checksums[name]
	if !ok {
		return nil, fmt.Errorf("manifest has no checksum for %s", name)
	}
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != want {
		return nil, fmt.Errorf("%s checksum mismatch: manifest %s, file %s", name, shortHash(want), shortHash(got))
	}
	return raw, nil
}

// decodeVectors deserializes the gob-encoded vector map.
func decodeVectors(raw []byte) (map[string][]float32, error) {
	var vectors map[string][]float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode vectors: %w", err)
	}
	return vectors, nil
}

// shortHash returns the first 8 characters of a hash for log display.
func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}

// VectorKey builds the similarity-index key for a provider's indicator.
func VectorKey(p intent.Provider, code string) string {
	return string(p) + "/" + code
}

// =============================================================================
// Store — atomically swappable snapshot
// =============================================================================

// Store publishes the current snapshot to concurrent readers.
//
// # Description
//
// Rebuilds are rare, exclusive, and non-blocking for readers: the new
// snapshot is built off to the side by Load and published here via a
// single pointer swap. In-flight requests keep the snapshot they started
// with.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a Store seeded with the given snapshot.
func NewStore(s *Snapshot) *Store {
	if s == nil {
		panic("catalog.NewStore: snapshot must not be nil")
	}
	st := &Store{}
	st.current.Store(s)
	return st
}

// Current returns the live snapshot. Never nil.
func (st *Store) Current() *Snapshot { return st.current.Load() }

// Reload loads dir and, on success, swaps the new snapshot in.
//
// # Outputs
//
//   - *Snapshot: The newly published snapshot, or nil on failure.
//   - error: Non-nil when the load failed; the previous snapshot stays live.
func (st *Store) Reload(ctx context.Context, dir string) (*Snapshot, error) {
	snap, err := Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	st.current.Store(snap)
	return snap, nil
}
