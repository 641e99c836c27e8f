// Package main is the entry point for the expression utilities server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exprutils/server/internal/api"
	"github.com/exprutils/server/internal/cache"
	"github.com/exprutils/server/internal/config"
	"github.com/exprutils/server/internal/export"
	"github.com/exprutils/server/internal/features"
	"github.com/exprutils/server/internal/kbase"
	"github.com/exprutils/server/internal/render"
	"github.com/exprutils/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting expression utilities server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		HeatmapCacheSizeMB: cfg.Cache.HeatmapSizeMB,
		HeatmapTTL:         cfg.Cache.HeatmapTTL(),
		ResultCacheSize:    cfg.Cache.ResultCacheSize,
		TypeCacheSize:      cfg.Cache.TypeCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Remote services
	token := kbase.WithToken(cfg.KBase.Token)
	ws := kbase.NewWorkspace(cfg.KBase.WorkspaceURL, cacheManager, token)
	if cfg.KBase.CallbackURL == "" {
		log.Printf("No callback URL configured (%s); feature lookups will fail", config.EnvCallbackURL)
	}
	genomes := kbase.NewGenomeSearch(cfg.KBase.CallbackURL, token, kbase.WithServiceVersion(cfg.KBase.ServiceVer))
	assemblies := kbase.NewMetagenomeUtils(cfg.KBase.CallbackURL, token, kbase.WithServiceVersion(cfg.KBase.MetagenomeServiceVer))
	shock := kbase.NewShock(cfg.KBase.ShockURL, cfg.KBase.Token)

	log.Printf("Workspace: %s", cfg.KBase.WorkspaceURL)
	log.Printf("Callback: %s (service_ver=%s)", cfg.KBase.CallbackURL, cfg.KBase.ServiceVer)

	resolver := features.NewResolver(ws, genomes, assemblies, nil)
	levelsService := service.NewLevelsService(resolver, nil)

	matrixCfg := service.MatrixServiceConfig{
		ScratchDir:   cfg.Data.ScratchDir,
		TrackingFile: cfg.Data.TrackingFile,
	}
	if cfg.Export.TileDBDir != "" {
		writer, err := export.NewWriter(cfg.Export.TileDBDir)
		if err != nil {
			log.Fatalf("Failed to initialize matrix export: %v", err)
		}
		defer writer.Close()
		log.Printf("Matrix export: %s (supported=%v)", writer.Dir(), writer.Supported())
		matrixCfg.Exporter = writer
	}
	matrixService := service.NewMatrixService(ws, shock, levelsService, matrixCfg)

	// Initialize job manager for matrix jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Matrix job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = matrixService.ExecuteMatrixJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		CORSOrigins:     cfg.Server.CORSOrigins,
		ScratchDir:      cfg.Data.ScratchDir,
		DefaultIDColumn: cfg.Data.IDColumn,
		Levels:          levelsService,
		Inputs:          matrixService,
		JobManager:      jobManager,
		Cache:           cacheManager,
		Renderer: render.NewHeatmapRenderer(render.Config{
			CellSize:        cfg.Render.CellSize,
			DefaultColormap: cfg.Render.DefaultColormap,
			MaxRows:         cfg.Render.MaxRows,
		}),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
