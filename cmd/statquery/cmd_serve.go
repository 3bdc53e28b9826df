// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/statquery/services/llm"
	"github.com/AleutianAI/statquery/services/query"
	"github.com/AleutianAI/statquery/services/query/catalog"
	"github.com/AleutianAI/statquery/services/query/config"
	"github.com/AleutianAI/statquery/services/query/dispatch"
	"github.com/AleutianAI/statquery/services/query/resolve"
	"github.com/AleutianAI/statquery/services/query/routing"
	"github.com/AleutianAI/statquery/services/query/storage/badger"
)

// serveOptions holds the serve subcommand's flag values.
type serveOptions struct {
	port         int
	debug        bool
	fixtures     bool
	snapshotDir  string
	tablesPath   string
	cacheDir     string
	queryTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the StatQuery HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", 8080, "Port to listen on")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug mode")
	cmd.Flags().BoolVar(&opts.fixtures, "fixtures", false,
		"Serve deterministic fixture data instead of contacting providers")
	cmd.Flags().StringVar(&opts.snapshotDir, "snapshot-dir", os.Getenv("SNAPSHOT_DIR"),
		"Catalog snapshot directory (manifest.yaml, catalog.yaml, vectors.gob)")
	cmd.Flags().StringVar(&opts.tablesPath, "tables", os.Getenv("ROUTING_TABLES_FILE"),
		"Routing tables YAML; empty uses the embedded defaults")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", "",
		"BadgerDB cache directory; defaults to ~/.statquery/cache")
	cmd.Flags().DurationVar(&opts.queryTimeout, "query-timeout", query.DefaultQueryTimeout,
		"Per-query deadline for POST /v1/query")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if opts.snapshotDir == "" {
		return fmt.Errorf("--snapshot-dir (or SNAPSHOT_DIR) is required")
	}
	if !opts.fixtures {
		// Real provider adapters plug in through the Fetcher interface;
		// none ship in this build.
		return fmt.Errorf("no provider adapters are bundled; run with --fixtures")
	}

	if opts.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext so inbound trace headers flow through handlers.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger := slog.Default()

	// Routing tables: embedded defaults, optionally overridden by a file
	// that is then watched for hot reload.
	tables, err := loadTables(ctx, opts.tablesPath)
	if err != nil {
		return err
	}
	tableStore := config.NewStore(tables)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if opts.tablesPath != "" {
		watcher := config.NewWatcher(opts.tablesPath, tableStore, logger)
		go func() {
			if err := watcher.Run(watchCtx); err != nil {
				logger.Warn("routing tables watcher stopped",
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	// Catalog snapshot.
	snap, err := catalog.Load(ctx, opts.snapshotDir)
	if err != nil {
		return fmt.Errorf("load catalog snapshot: %w", err)
	}
	catalogStore := catalog.NewStore(snap)

	// Shared cache DB. Graceful degradation: without it the engine still
	// answers, just slower and with repeat ranker calls.
	cacheDir := opts.cacheDir
	if cacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cacheDir = filepath.Join(home, ".statquery", "cache")
		}
	}
	var cacheDB *badger.DB
	if cacheDir != "" {
		db, err := badger.Open(cacheDir, logger)
		if err != nil {
			logger.Warn("cache BadgerDB unavailable, caching disabled",
				slog.String("path", cacheDir),
				slog.String("error", err.Error()),
			)
		} else {
			cacheDB = db
			defer func() { _ = db.Close() }()
			logger.Info("cache BadgerDB opened", slog.String("path", cacheDir))
		}
	}

	// Embedder for the similarity tier. The snapshot's vectors and the
	// query-time embedder must agree on the model or cosine scores are
	// noise, so a mismatch disables the tier rather than corrupt it.
	var embedder catalog.Embedder
	embedClient := llm.NewEmbedClient()
	if embedClient.Model() != snap.EmbeddingModel() {
		logger.Warn("embedding model mismatch, similarity tier disabled",
			slog.String("snapshot_model", snap.EmbeddingModel()),
			slog.String("client_model", embedClient.Model()),
		)
	} else {
		embedder = embedClient
	}

	// Ranker for the llm tier. Missing credentials disable the tier.
	var ranker resolve.CandidateRanker
	chatClient, err := llm.NewOpenAIChatClient()
	if err != nil {
		logger.Warn("ranker unavailable, llm tier disabled",
			slog.String("error", err.Error()),
		)
	} else {
		ranker = resolve.NewLLMRanker(chatClient, 0, logger)
	}

	var rankerCache resolve.RankerCacheStore
	var seriesCache dispatch.SeriesCache
	if cacheDB != nil {
		rankerCache = resolve.NewBadgerRankerCacheStore(cacheDB, 0, logger)
		seriesCache = dispatch.NewBadgerSeriesCache(cacheDB, 0)
	}

	resolver := resolve.NewResolver(embedder, ranker, rankerCache, logger)
	engine := routing.NewEngine(logger)
	coordinator := dispatch.NewCoordinator(
		dispatch.NewFixtureFetcher(), seriesCache, nil, dispatch.DefaultRetryPolicy(), logger)

	service := query.NewService(tableStore, catalogStore, engine, resolver, coordinator, logger)
	handlers := query.NewHandlers(service, opts.snapshotDir,
		query.WithQueryTimeout(opts.queryTimeout))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("statquery"))
	if opts.debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	query.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("statquery listening",
			slog.Int("port", opts.port),
			slog.Int("snapshot_version", snap.Version()),
			slog.Bool("fixtures", opts.fixtures),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// loadTables loads the routing tables from a file, or the embedded
// defaults when no path is given.
func loadTables(ctx context.Context, path string) (*config.Tables, error) {
	if path == "" {
		return config.LoadDefaultTables(ctx)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing tables %s: %w", path, err)
	}
	t, err := config.LoadTables(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("load routing tables %s: %w", path, err)
	}
	return t, nil
}
