// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/statquery/services/query/intent"
)

func writeTables(t *testing.T, path, yaml string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write tables: %v", err)
	}
}

func TestWatcher_ReloadSwapsValidTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing_tables.yaml")
	writeTables(t, path, minimalTablesYAML)

	first, err := LoadTables(context.Background(), []byte(minimalTablesYAML))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	store := NewStore(first)
	w := NewWatcher(path, store, nil)

	updated := strings.Replace(minimalTablesYAML,
		"default_provider: worldbank", "default_provider: imf", 1)
	writeTables(t, path, updated)

	w.reload(context.Background())

	if got := store.Current().DefaultProvider; got != intent.ProviderIMF {
		t.Errorf("DefaultProvider = %s, want imf after reload", got)
	}
}

func TestWatcher_BrokenFileKeepsPreviousTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing_tables.yaml")
	writeTables(t, path, minimalTablesYAML)

	first, err := LoadTables(context.Background(), []byte(minimalTablesYAML))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	store := NewStore(first)
	w := NewWatcher(path, store, nil)

	writeTables(t, path, "version: 1\ndefault_provider: [broken")
	w.reload(context.Background())

	if store.Current() != first {
		t.Error("invalid file replaced the snapshot")
	}

	// A missing file must also keep the previous snapshot.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	w.reload(context.Background())
	if store.Current() != first {
		t.Error("missing file replaced the snapshot")
	}
}
