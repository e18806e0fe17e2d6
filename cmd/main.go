package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/jackiexiao/asr-gateway/adapters/storage"
	"github.com/jackiexiao/asr-gateway/adapters/volc"
	"github.com/jackiexiao/asr-gateway/domain/repositories"
	"github.com/jackiexiao/asr-gateway/internal/api"
	"github.com/jackiexiao/asr-gateway/internal/auth"
	"github.com/jackiexiao/asr-gateway/internal/config"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	creds := volc.Credentials{
		AppID:       cfg.VolcAppID,
		AccessToken: cfg.VolcAccessToken,
	}
	if !cfg.HasVolcCredentials() {
		logger.Warn("Volcengine credentials are not configured; recognition endpoints will fail")
	}

	realtimeClient := volc.NewRealtimeClient(creds, cfg.VolcRealtimeEndpoint, cfg.VolcResourceID, logger)
	fileClient := volc.NewFileClient(creds, cfg.VolcFileEndpoint, cfg.VolcFileResourceID, nil, logger)

	var objectStorage repositories.ObjectStorage
	if cfg.HasStorage() {
		tos, err := storage.NewTOSStorage(storage.TOSConfig{
			Bucket:          cfg.StorageBucket,
			Region:          cfg.StorageRegion,
			Endpoint:        cfg.StorageEndpoint,
			AccessKeyID:     cfg.StorageAccessKeyID,
			SecretAccessKey: cfg.StorageSecretAccessKey,
			KeyPrefix:       cfg.StorageKeyPrefix,
			PublicBaseURL:   cfg.StoragePublicBaseURL,
			ForcePathStyle:  cfg.StorageForcePathStyle,
			SignedURLTTL:    time.Duration(cfg.StorageSignedURLTTLSec) * time.Second,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize object storage", zap.Error(err))
		}
		objectStorage = tos
	} else {
		logger.Warn("Object storage is not configured; upload endpoint disabled")
	}

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, &api.Handler{
		FileClient: fileClient,
		Upstream:   realtimeClient,
		Storage:    objectStorage,
		Issuer:     issuer,
		Logger:     logger,
	})

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("ASR gateway started", zap.String("port", cfg.Port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
