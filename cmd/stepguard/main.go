package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/auth"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/config"
	httpapi "github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/http"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/logger"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. Logger
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.ServiceName)
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	// 3. Service
	svc, err := service.NewStepGuardService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create StepGuard service", zap.Error(err))
	}
	defer svc.Stop()

	// 4. HTTP
	query := svc.Query()
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Devices:     httpapi.NewDeviceHandler(svc.Ingest(), query, log),
		Alerts:      httpapi.NewAlertHandler(svc.Broadcaster(), query, auth.NewValidator(cfg.Auth.JWTSecret), cfg.Stream.KeepAlive, log),
		Metrics:     svc.Metrics(),
		Ready:       svc.Ready,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Logger:      log,
	})
	srv := service.NewServer(cfg.HTTP.Addr, router, log)
	// closing the registry ends every open alert stream
	srv.OnShutdown(svc.Broadcaster().Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := svc.Start(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("Service error, shutting down", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	cancel()

	log.Info("StepGuard service stopped")
}
