package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/emberwire/listgrowth/internal/api"
	"github.com/emberwire/listgrowth/internal/archive"
	"github.com/emberwire/listgrowth/internal/config"
	"github.com/emberwire/listgrowth/internal/email"
	"github.com/emberwire/listgrowth/internal/ingest"
	"github.com/emberwire/listgrowth/internal/karma"
	"github.com/emberwire/listgrowth/internal/merge"
	"github.com/emberwire/listgrowth/internal/repo"
	"github.com/emberwire/listgrowth/internal/snowball"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	ctx := context.Background()

	// Store: Postgres when configured, in-memory otherwise
	var store repo.Store
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("Failed to ping database: %v", err)
		}
		cancel()

		pg := repo.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		store = pg
		log.Println("[store] PostgreSQL store ready")
	} else {
		store = repo.NewMemStore()
		log.Println("[store] no DATABASE_URL, using in-memory store")
	}

	// Karma award signals over Redis, optional
	var emitter karma.Emitter = karma.NopEmitter{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("[karma] Redis unreachable at %s, award signals disabled: %v", cfg.Redis.Addr, err)
		} else {
			emitter = karma.NewRedisEmitter(rdb)
			log.Printf("[karma] publishing award signals to %s", cfg.Redis.Addr)
		}
		cancel()
	}

	// Export archival to S3, optional
	var archiver archive.Archiver = archive.NopArchiver{}
	if cfg.Archive.Enabled && cfg.Archive.S3Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region,
			cfg.Archive.AccessKey, cfg.Archive.SecretKey)
		if err != nil {
			log.Printf("[archive] S3 unavailable, exports will not be archived: %v", err)
		} else {
			archiver = s3a
			log.Printf("[archive] archiving exports to s3://%s", cfg.Archive.S3Bucket)
		}
	}

	// Validator from config
	validatorOpts := []email.Option{
		email.WithDisposableDomains(cfg.Validation.DisposableExtra),
		email.WithAllowedDomains(cfg.Validation.AllowedDomains),
		email.WithDeniedDomains(cfg.Validation.DeniedDomains),
	}
	if cfg.Validation.CheckMX {
		validatorOpts = append(validatorOpts, email.WithMXChecker(email.NewNetMXChecker(cfg.Validation.MXTimeout())))
	}
	validator := email.NewValidator(validatorOpts...)

	handlers := api.NewHandlers(
		store,
		ingest.NewService(store, validator, emitter),
		snowball.NewEngine(store),
		merge.NewEngine(store),
		archiver,
		cfg.Limits,
	)
	server := api.NewServer(cfg.Server, handlers)

	// Serve until interrupted
	addr := fmt.Sprintf("%s:%d", host, port)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("server stopped")
}
