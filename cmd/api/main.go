package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/mcclellann/lendTrack/pkg/auth"
	"github.com/mcclellann/lendTrack/pkg/config"
	"github.com/mcclellann/lendTrack/pkg/documents"
	"github.com/mcclellann/lendTrack/pkg/idempotency"
	"github.com/mcclellann/lendTrack/pkg/ledger"
	"github.com/mcclellann/lendTrack/pkg/logging"
	"github.com/mcclellann/lendTrack/pkg/store"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

// run wires the server from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	storage, err := openStorage(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	docs, uploadDir, err := openDocuments(ctx, cfg, logger)
	if err != nil {
		return err
	}

	keys, err := openIdempotency(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := keys.(io.Closer); ok {
		defer c.Close()
	}

	server := NewServer(ServerDeps{
		Storage: storage,
		Ledger: ledger.NewLedger(storage,
			ledger.WithLogger(logger.Named("ledger")),
			ledger.WithMaxRetries(cfg.Ledger.MaxRetries),
		),
		Documents:      docs,
		Idempotency:    keys,
		IdempotencyTTL: cfg.Idempotency.TTL,
		JWT:            auth.NewJWTManager(cfg.Auth.Issuer, cfg.Auth.Secret),
		Logger:         logger,
		MaxUploadBytes: cfg.Documents.MaxUploadBytes,
		UploadDir:      uploadDir,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited gracefully")
	return nil
}

func openStorage(cfg config.DatabaseConfig, logger *zap.Logger) (store.Storage, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory storage, loans will not survive a restart")
		return store.NewMemoryStore(), nil
	default:
		s, err := store.NewSQLiteStore(cfg.Path, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		return s, nil
	}
}

// openDocuments also returns the directory to serve under /uploads/, empty when
// documents are not kept on local disk.
func openDocuments(ctx context.Context, cfg *config.Config, logger *zap.Logger) (documents.Store, string, error) {
	switch cfg.Documents.Backend {
	case "s3":
		s, err := documents.NewS3Store(ctx, documents.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Prefix:          cfg.S3.Prefix,
		}, documents.WithLogger(logger.Named("documents")))
		if err != nil {
			return nil, "", fmt.Errorf("failed to initialize S3 document store: %w", err)
		}
		return s, "", nil
	default:
		d, err := documents.NewDiskStore(cfg.Documents.Dir, logger.Named("documents"))
		if err != nil {
			return nil, "", err
		}
		return d, d.Dir(), nil
	}
}

func openIdempotency(ctx context.Context, cfg *config.Config) (idempotency.Store, error) {
	if cfg.Idempotency.Backend == "redis" {
		s, err := idempotency.NewRedisStore(ctx, idempotency.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return idempotency.NewMemoryStore(), nil
}
