package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/yourorg/report-store/internal/s3"
)

// ObjectStore is the part of the S3 client used for bundle transfers.
type ObjectStore interface {
	UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error
	DownloadToFile(ctx context.Context, bucket, key, filePath string) error
}

// Transfer copies bundle directories to and from a bucket. Each file is
// retried on its own; the manifest is uploaded last and downloaded first so
// a reader never sees a manifest for files that are not there yet.
type Transfer struct {
	Store       ObjectStore
	Bucket      string
	Prefix      string
	Concurrency int
	Attempts    int
	BaseDelay   time.Duration
	Log         *slog.Logger
}

func (t *Transfer) defaults() {
	if t.Concurrency <= 0 {
		t.Concurrency = 2
	}
	if t.Attempts <= 0 {
		t.Attempts = 4
	}
	if t.BaseDelay <= 0 {
		t.BaseDelay = 200 * time.Millisecond
	}
	if t.Log == nil {
		t.Log = slog.Default()
	}
}

// Push uploads the bundle written in dir.
func (t *Transfer) Push(ctx context.Context, dir string) error {
	t.defaults()
	m, ok, err := readManifest(dir)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("push %s: no %s", dir, ManifestFile)
	}
	names := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		names = append(names, f.Name)
	}
	if err := t.each(ctx, names, func(name string) error {
		return t.Store.UploadFile(ctx, t.Bucket, s3.ObjectKey(t.Prefix, name), filepath.Join(dir, name), "application/json")
	}); err != nil {
		return err
	}
	err = retry(ctx, t.Attempts, t.BaseDelay, func() error {
		return t.Store.UploadFile(ctx, t.Bucket, s3.ObjectKey(t.Prefix, ManifestFile), filepath.Join(dir, ManifestFile), "application/json")
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", ManifestFile, err)
	}
	t.Log.Info("bundle uploaded", "bucket", t.Bucket, "prefix", t.Prefix, "files", len(names)+1)
	return nil
}

// Pull downloads a bundle into dir and verifies it against its manifest.
func (t *Transfer) Pull(ctx context.Context, dir string) (Manifest, error) {
	t.defaults()
	err := retry(ctx, t.Attempts, t.BaseDelay, func() error {
		return t.Store.DownloadToFile(ctx, t.Bucket, s3.ObjectKey(t.Prefix, ManifestFile), filepath.Join(dir, ManifestFile))
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("download %s: %w", ManifestFile, err)
	}
	m, _, err := readManifest(dir)
	if err != nil {
		return Manifest{}, err
	}
	names := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		if f.Name != filepath.Base(f.Name) {
			return Manifest{}, fmt.Errorf("manifest lists unsafe name %q", f.Name)
		}
		names = append(names, f.Name)
	}
	if err := t.each(ctx, names, func(name string) error {
		return t.Store.DownloadToFile(ctx, t.Bucket, s3.ObjectKey(t.Prefix, name), filepath.Join(dir, name))
	}); err != nil {
		return Manifest{}, err
	}
	if err := m.Verify(dir); err != nil {
		return Manifest{}, err
	}
	t.Log.Info("bundle downloaded", "bucket", t.Bucket, "prefix", t.Prefix, "reports", m.Reports, "findings", m.Findings)
	return m, nil
}

// each runs fn for every name with at most Concurrency calls in flight.
func (t *Transfer) each(ctx context.Context, names []string, fn func(name string) error) error {
	sem := make(chan struct{}, t.Concurrency)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		sem <- struct{}{}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			err := retry(ctx, t.Attempts, t.BaseDelay, func() error { return fn(name) })
			if err != nil {
				t.Log.Warn("bundle transfer failed", "file", name, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return errors.Join(errs...)
}
