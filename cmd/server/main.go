package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tilestack/internal/config"
	"tilestack/internal/decorator"
	httphandlers "tilestack/internal/http"
	"tilestack/internal/layers"
	"tilestack/internal/loader"
	"tilestack/internal/logger"
	"tilestack/internal/mapper"
	"tilestack/internal/pipeline"
	"tilestack/internal/projection"
	"tilestack/internal/store"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	shutdownVips := decorator.StartVips(cfg.VipsMaxCacheMB, cfg.VipsConcurrency, log)
	defer shutdownVips()

	log.Info("Starting tile stack server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("projection", cfg.Projection),
	)

	scanner := layers.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Fatal("Layer scan failed", zap.Error(err))
	}

	proj, err := projection.ByName(cfg.Projection)
	if err != nil {
		log.Fatal("Unknown projection", zap.Error(err))
	}

	dec, err := decorator.NewMerged(decorator.FromLayers(scanner.Layers()), proj, cfg.TileSize, scanner.StackID(), log)
	if err != nil {
		log.Fatal("Failed to initialize decorator", zap.Error(err))
	}

	tileStore, err := store.NewStore(cfg.StoreType, cfg.StoreFileDir, cfg.StoreMemoryTiles, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	tileLoader := loader.New(cfg.VolatileCacheBytes(), log)
	if err := tileLoader.Clear(dec); err != nil {
		log.Fatal("Failed to load level zero", zap.Error(err))
	}

	tilePipeline := pipeline.New(dec, tileLoader, tileStore, cfg.LoadWorkers, log)

	textureMapper, err := mapper.New(tileLoader, tilePipeline, dec, cfg.TextureCacheTiles, log)
	if err != nil {
		log.Fatal("Failed to initialize mapper", zap.Error(err))
	}
	defer textureMapper.Close()

	handlers := httphandlers.New(cfg, log, scanner, tileLoader, textureMapper, dec, tileStore)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.WarmupLevels > 0 {
		go func() {
			start := time.Now()
			if err := tilePipeline.Warmup(ctx, cfg.WarmupLevels); err != nil {
				log.Warn("Tile warmup interrupted", zap.Error(err))
				return
			}
			log.Info("Tile warmup completed",
				zap.Int("levels", cfg.WarmupLevels),
				zap.Int("tiles", tileLoader.TileCount()),
				zap.Duration("duration", time.Since(start)),
			)
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	tilePipeline.Wait()
	log.Info("Server stopped", zap.Any("stats", tileLoader.Stats()))
}
