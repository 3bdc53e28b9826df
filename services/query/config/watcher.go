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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of filesystem events most editors emit
// for a single save into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher hot-reloads a routing-tables file into a Store.
//
// Description:
//
//	Watches the directory containing the tables file (watching the file
//	itself breaks on editors that rename-and-replace). On a relevant
//	event, re-reads and re-validates the whole file; only a fully valid
//	file is swapped in. A broken edit logs a warning and keeps the
//	previous snapshot, so a bad deploy cannot take routing down.
//
// Thread Safety: Run is single-goroutine; the Store swap it performs is
// safe for concurrent readers.
type Watcher struct {
	path   string
	store  *Store
	logger *slog.Logger
}

// NewWatcher creates a watcher for the given tables file.
//
// Inputs:
//
//	path - Path to the routing tables YAML file. Must not be empty.
//	store - Destination store for validated reloads. Must not be nil.
//	logger - Logger instance. May be nil.
func NewWatcher(path string, store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, store: store, logger: logger}
}

// Run watches until ctx is cancelled. It returns the fsnotify setup error,
// if any; reload failures are logged, not returned.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	w.logger.Info("routing tables watcher started",
		slog.String("path", w.path),
	)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			w.reload(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("routing tables watcher error",
				slog.String("error", err.Error()),
			)
		}
	}
}

// reload reads, validates, and swaps in the tables file. All-or-nothing:
// any failure keeps the current snapshot.
func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("routing tables reload: read failed, keeping previous tables",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	tables, err := LoadTables(ctx, data)
	if err != nil {
		w.logger.Warn("routing tables reload: validation failed, keeping previous tables",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	w.store.Swap(tables)
	w.logger.Info("routing tables reloaded",
		slog.String("path", w.path),
		slog.Int("keyword_routes", len(tables.KeywordRoutes)),
	)
}
