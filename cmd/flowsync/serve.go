package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowsync-dev/flowsync/internal/config"
	"github.com/flowsync-dev/flowsync/internal/metrics"
	"github.com/flowsync-dev/flowsync/pkg/room"
	"github.com/flowsync-dev/flowsync/pkg/server"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.ConfigFileName, "path to the configuration file")
	return cmd
}

func runServe(configPath string) error {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("storage ready", "backend", cfg.Storage.Backend)

	m := metrics.New()

	srv := server.New(store, m, &server.Config{
		Address: cfg.Address,
		Room: &room.Config{
			ClearSettle:   cfg.Sync.ClearSettle(),
			SendGap:       cfg.Sync.SendGap(),
			SectionSettle: cfg.Sync.SectionSettle(),
		},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), server.DefaultConfig().ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func buildStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		var opts []storage.RedisStoreOption
		if cfg.Storage.Redis.Prefix != "" {
			opts = append(opts, storage.WithRedisPrefix(cfg.Storage.Redis.Prefix))
		}
		return storage.NewRedisStore(client, opts...), nil

	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 backend requires a bucket")
		}
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Storage.S3.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Storage.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		var opts []storage.S3StoreOption
		if cfg.Storage.S3.Prefix != "" {
			opts = append(opts, storage.WithS3Prefix(cfg.Storage.S3.Prefix))
		}
		return storage.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Storage.S3.Bucket, opts...), nil

	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.SQLite.Path)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
