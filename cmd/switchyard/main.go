package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/switchyard/internal/config"
	"github.com/ent0n29/switchyard/internal/contextstore"
	"github.com/ent0n29/switchyard/internal/httpapi"
	"github.com/ent0n29/switchyard/internal/observability"
	"github.com/ent0n29/switchyard/internal/runtime"
	"github.com/ent0n29/switchyard/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	registry, err := tenant.NewRegistry(ctx, cfg.DatabaseURL, cfg.TenantRegistryPath)
	if err != nil {
		log.Fatalf("tenant registry init failed: %v", err)
	}
	defer registry.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("tenant registry: postgres")
	} else {
		log.Printf("tenant registry: file (%s)", cfg.TenantRegistryPath)
	}

	contexts, err := contextstore.NewStore(cfg.DataDir, contextstore.Options{
		MaxMessages: cfg.ContextMaxMessages,
		CacheSize:   cfg.ContextCacheSize,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("context store init failed: %v", err)
	}

	rt := runtime.New(runtime.Config{
		OverlayCacheBytes:   cfg.OverlayCacheMaxBytes,
		OverlayCacheEntries: cfg.OverlayCacheMaxEntries,
		IndexCacheBytes:     cfg.IndexCacheMaxBytes,
		IndexCacheEntries:   cfg.IndexCacheMaxEntries,
		LoadTimeout:         cfg.ResourceLoadTimeout,
		EmbeddingDims:       cfg.EmbeddingDim,
		FastPathSLO:         cfg.SwitchFastPathSLO,
	}, registry, contexts, metrics)

	api := httpapi.New(cfg, rt, registry, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	contexts.StartCheckpointer(runCtx, cfg.CheckpointInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Release cached resources and persist every materialized context.
	if err := rt.Close(); err != nil {
		log.Printf("final context persist failed: %v", err)
	}

	log.Printf("shutdown complete")
}
