package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parley/api/internal/ai"
	"parley/api/internal/app"
	"parley/api/internal/config"
	"parley/api/internal/files"
	"parley/api/internal/search"
	"parley/api/internal/session"
	"parley/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	var completer ai.Completer
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := ai.NewGemini(ctx, cfg.GeminiAPIKey, cfg.TitleModel)
		if err != nil {
			log.Fatalf("gemini client failed: %v", err)
		}
		completer = gemini
	} else {
		log.Printf("WARNING: GEMINI_API_KEY not set, chat completion disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var fileService *files.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		fileService, err = files.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage failed: %v", err)
		}
	} else {
		log.Printf("MINIO_ENDPOINT not set, attachment uploads disabled")
	}

	service := app.New(cfg, dataStore, redisStore, completer, searchService, fileService)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	// No WriteTimeout: completion streams stay open longer than any
	// fixed deadline.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Parley API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
