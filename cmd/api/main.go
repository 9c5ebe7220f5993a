package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/cmd/api/migrations"
	"github.com/supportdesk/helpdesk/cmd/api/routes"
	"github.com/supportdesk/helpdesk/cmd/api/ws"
	"github.com/supportdesk/helpdesk/internal/s3"
)

func main() {
	_ = godotenv.Load()
	cfg := app.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.JWTSecret == "" {
		if cfg.Production() {
			log.Fatal().Msg("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = "dev-secret"
		log.Warn().Msg("JWT_SECRET not set, using an insecure development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()
	if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}

	// Redis is optional; without it rate limits fail open and emails are not queued.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	var store app.ObjectStore
	var presign *s3.Service
	if cfg.MinIOEndpoint != "" {
		mc, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("minio init")
		}
		store = mc
		presign = &s3.Service{Client: mc, Bucket: cfg.MinIOBucket, TTL: 5 * time.Minute, MaxTTL: time.Hour}
	} else if cfg.UploadPath != "" {
		if err := os.MkdirAll(cfg.UploadPath, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", cfg.UploadPath).Msg("create upload path")
		}
		store = &app.FsObjectStore{Base: cfg.UploadPath}
	}

	if _, err := authpkg.SeedAdmin(ctx, pool, cfg); err != nil {
		log.Error().Err(err).Msg("seed admin")
	}

	a := app.NewApp(cfg, pool, store, rdb)
	a.Presign = presign
	hub := ws.NewHub(rdb)
	go hub.Run(ctx)
	routes.Register(a, hub)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.R,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("env", cfg.Env).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
