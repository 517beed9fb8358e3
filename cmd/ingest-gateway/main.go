package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/granary-data/granary/internal/auth"
	"github.com/granary-data/granary/internal/chunkstore"
	"github.com/granary-data/granary/internal/common"
	"github.com/granary-data/granary/internal/gate"
	"github.com/granary-data/granary/internal/govern"
	"github.com/granary-data/granary/internal/storage"
	"github.com/granary-data/granary/internal/upload"
	"github.com/granary-data/granary/pkg/config"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("starting granary ingest gateway")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer cache.Close()

	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	registry := upload.NewRegistry(db)
	governor := govern.New(govern.Limits{
		MaxConcurrentSessions: cfg.Upload.MaxConcurrentSessionsPerOwner,
		RequestsPerMinute:     cfg.Upload.RequestsPerMinutePerOwner,
	}, registry)

	coordinator := upload.NewCoordinator(
		registry,
		chunkstore.New(blobStorage),
		blobStorage,
		governor,
		gate.New(gate.NewRegexScanner()),
		gate.NewRedactMasker(),
		cache,
		cfg.Upload,
	)

	authService := auth.NewService(db, cache, &cfg.Auth)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go coordinator.RunSweeper(sweepCtx, cfg.Upload.SweepInterval)

	router := setupRouter(authService, coordinator, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}
