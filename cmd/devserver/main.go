package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/wolfman30/chat-session-engine/cmd/mainconfig"
	"github.com/wolfman30/chat-session-engine/internal/clock"
	appconfig "github.com/wolfman30/chat-session-engine/internal/config"
	"github.com/wolfman30/chat-session-engine/internal/devserver"
	"github.com/wolfman30/chat-session-engine/internal/upload"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting chat dev server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()
	clk := clock.Real{}
	baseURL := "http://localhost:" + cfg.Port

	blobs, err := devserver.NewBlobStore(cfg.BlobDir, cfg.JWTSecret, baseURL, cfg.PresignTTL, logger)
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	var links upload.LinkIssuer = blobs
	if strings.TrimSpace(cfg.S3Bucket) != "" {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		links = upload.NewS3LinkIssuer(mainconfig.NewS3Presigner(awsCfg, cfg), cfg.S3Bucket, cfg.PresignTTL)
		logger.Info("attachments stored in s3", "bucket", cfg.S3Bucket)
	}

	var ratings devserver.RatingRepository = devserver.NewMemoryRatingRepository()
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Error("database not reachable", "error", err)
			os.Exit(1)
		}
		ratings = devserver.NewPostgresRatingRepository(pool)
		logger.Info("ratings persisted to postgres")
	}

	tokens := devserver.NewRoomTokens(cfg.JWTSecret, 24*time.Hour, clk.Now)
	server := devserver.New(devserver.Config{
		RoutingCode:    cfg.RoutingCode,
		RatingKey:      cfg.RatingKey,
		OperatorSecret: cfg.JWTSecret,
		CORSOrigins:    []string{"*"},
		Bot:            true,
	}, devserver.Deps{
		Registry: devserver.NewRegistry(clk, cfg.RoutingCode),
		Tokens:   tokens,
		Links:    links,
		Blobs:    blobs,
		Ratings:  ratings,
		Clock:    clk,
		Logger:   logger,
	})

	if token, hash, err := tokens.Issue(cfg.ClientKey, cfg.UserID); err == nil {
		logger.Info("room token issued", "channel", cfg.ClientKey, "token", token, "hash", hash)
	} else {
		logger.Warn("failed to issue room token", "error", err)
	}

	// No WriteTimeout: socket connections stay open.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     server.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}
