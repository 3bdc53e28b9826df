// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance behind transaction helpers so
// cache packages never touch raw DB handles. One DB serves every StatQuery
// cache; key prefixes keep the namespaces apart.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// gcInterval is how often the value-log garbage collector runs.
const gcInterval = 10 * time.Minute

// gcDiscardRatio is the Badger-recommended ratio for online GC.
const gcDiscardRatio = 0.5

// DB wraps a BadgerDB handle with context-aware transaction helpers.
//
// # Description
//
// Open the DB once at startup (typically in main) and share it across
// cache stores. Close stops the GC loop and closes the underlying DB.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger
	stopGC chan struct{}
}

// Open opens (creating if needed) a BadgerDB at the given directory.
//
// # Inputs
//
//   - path: Directory for the database files. Created if absent.
//   - logger: Logger for GC diagnostics. May be nil.
//
// # Outputs
//
//   - *DB: Open database with a background GC loop running.
//   - error: Non-nil if the directory cannot be created or opened.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	opts := dgbadger.DefaultOptions(path).
		WithLogger(nil). // badger's own logger is too chatty; slog below covers it
		WithCompactL0OnClose(true)

	bdb, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}

	d := &DB{db: bdb, logger: logger, stopGC: make(chan struct{})}
	go d.gcLoop()
	return d, nil
}

// WithTxn runs fn inside a read-write transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Close stops the GC loop and closes the database.
func (d *DB) Close() error {
	close(d.stopGC)
	return d.db.Close()
}

// gcLoop runs value-log GC periodically. ErrNoRewrite is the normal
// "nothing to collect" outcome and is not logged.
func (d *DB) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			if err := d.db.RunValueLogGC(gcDiscardRatio); err != nil && err != dgbadger.ErrNoRewrite {
				d.logger.Warn("badger value-log GC failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
