package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tribe/api/internal/app"
	"tribe/api/internal/config"
	"tribe/api/internal/docstore"
	"tribe/api/internal/identity"
	"tribe/api/internal/observ"
	"tribe/api/internal/session"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer logger.Sync()

	var documents docstore.Store
	switch cfg.StoreBackend {
	case "redis":
		documents, err = docstore.NewRedis(cfg.RedisURL, docstore.SystemClock())
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
	case "postgres":
		documents, err = docstore.NewPostgres(ctx, cfg.DatabaseURL, docstore.SystemClock())
		if err != nil {
			logger.Fatal("postgres connection failed", zap.Error(err))
		}
	case "memory":
		documents = docstore.NewMemory(docstore.SystemClock())
	default:
		logger.Fatal("unknown store backend", zap.String("backend", cfg.StoreBackend))
	}
	defer documents.Close()
	logger.Info("document store ready", zap.String("backend", cfg.StoreBackend))

	gateway := identity.NewService(identity.DocstoreCredentials{Store: documents}, logger)
	resolver := session.NewResolver(documents, gateway, docstore.SystemClock(), logger)
	defer resolver.Close()

	service := app.NewService(
		documents,
		gateway,
		resolver,
		docstore.SystemClock(),
		logger,
		[]byte(cfg.JWTSecret),
		cfg.SessionTTL,
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Tribe API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
