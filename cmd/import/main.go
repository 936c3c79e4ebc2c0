package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"

	"github.com/yourorg/report-store/internal/bundle"
	"github.com/yourorg/report-store/internal/config"
	"github.com/yourorg/report-store/internal/db"
	s3c "github.com/yourorg/report-store/internal/s3"
	"github.com/yourorg/report-store/internal/schema"
)

func main() {
	var (
		dir    = flag.String("dir", "", "read the bundle from this directory instead of the bucket")
		prefix = flag.String("prefix", "", "object key prefix of the bundle in EXPORT_BUCKET")
	)
	flag.Parse()

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(2)
	}
	logger := cfg.SetupLogging(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, logger, *dir, *prefix); err != nil {
		if isInsufficientPrivilege(err) {
			logger.Error("import skipped due insufficient privilege", "err", err)
		} else {
			logger.Error("import failed", "err", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, dir, prefix string) error {
	if dir == "" {
		if !cfg.S3Enabled() {
			return errors.New("no -dir given and S3_ENDPOINT/EXPORT_BUCKET are not set")
		}
		tmp, err := os.MkdirTemp("", "report-import-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		s3, err := s3c.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			return err
		}
		dlCtx, dlCancel := context.WithTimeout(ctx, cfg.OpTimeout)
		tr := &bundle.Transfer{Store: s3, Bucket: cfg.ExportBucket, Prefix: prefix, Log: logger}
		_, err = tr.Pull(dlCtx, tmp)
		dlCancel()
		if err != nil {
			return err
		}
		dir = tmp
	}

	b, err := bundle.Read(filepath.Clean(dir))
	if err != nil {
		return err
	}

	store, err := db.Open(ctx, cfg.StoreDSN, schema.Default(), cfg.StoreVersion, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := db.NewCoordinator(store)
	if err != nil {
		return err
	}
	_, err = bundle.Import(ctx, c, b, logger)
	return err
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
