package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sendrec/reelfeed/internal/database"
	"github.com/sendrec/reelfeed/internal/geoip"
	"github.com/sendrec/reelfeed/internal/logging"
	"github.com/sendrec/reelfeed/internal/notify"
	"github.com/sendrec/reelfeed/internal/server"
	"github.com/sendrec/reelfeed/internal/slack"
	"github.com/sendrec/reelfeed/internal/storage"
	"github.com/sendrec/reelfeed/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	logCloser, err := logging.Setup(logging.FromEnv(os.Getenv))
	if err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	defer logCloser.Close()

	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	slog.Info("database migrations applied")

	publicEndpoint := os.Getenv("S3_PUBLIC_ENDPOINT")
	store, err := storage.New(ctx, storage.Config{
		Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:3900"),
		PublicEndpoint: publicEndpoint,
		Bucket:         getEnv("S3_BUCKET", "reelfeed"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		Region:         getEnv("S3_REGION", "eu-central-1"),
	})
	if err != nil {
		log.Fatalf("storage initialization failed: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		slog.Warn("storage bucket unreachable, media urls may not resolve", "error", err)
	}

	geo := geoip.Open(os.Getenv("GEOIP_DB_PATH"))
	defer geo.Close()

	webhooks := webhook.New(db.Pool, os.Getenv("WEBHOOK_URL"), os.Getenv("WEBHOOK_SECRET"))
	if webhooks.Enabled() {
		slog.Info("webhooks enabled")
	}
	notifier := notify.NewMulti(webhooks, slack.New(db.Pool, os.Getenv("SLACK_WEBHOOK_URL")))

	srv, err := server.New(server.Config{
		DB:                db.Pool,
		Pinger:            db,
		Media:             store,
		Geo:               geo,
		Notifier:          notifier,
		JWTSecret:         jwtSecret,
		BaseURL:           getEnv("BASE_URL", "http://localhost:"+port),
		StorageEndpoint:   publicEndpoint,
		MediaURLExpiry:    getEnvDuration("MEDIA_URL_EXPIRY", time.Hour),
		RequestsPerSecond: float64(getEnvInt64("RATE_LIMIT_RPS", 5)),
		Burst:             int(getEnvInt64("RATE_LIMIT_BURST", 20)),
	})
	if err != nil {
		log.Fatalf("server setup failed: %v", err)
	}

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go srv.Run(background)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("reelfeed listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	slog.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	stopBackground()
	notifier.Wait()
	slog.Info("shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
