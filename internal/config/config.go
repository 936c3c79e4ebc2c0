package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	StoreDSN     string
	StoreVersion int
	LogLevel     string
	LogFormat    string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3UseSSL     bool
	ExportBucket string
	ExportDir    string
	OpTimeout    time.Duration
}

func getBool(key, def string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func Load() (Config, error) {
	cfg := Config{
		StoreDSN:     getString("STORE_DSN", "reports.db"),
		StoreVersion: getInt("STORE_VERSION", 0),
		LogLevel:     strings.ToLower(getString("LOG_LEVEL", "info")),
		LogFormat:    strings.ToLower(getString("LOG_FORMAT", "text")),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		S3AccessKey:  os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:  os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:     getBool("S3_USE_SSL", "false"),
		ExportBucket: os.Getenv("EXPORT_BUCKET"),
		ExportDir:    getString("EXPORT_DIR", "export"),
		OpTimeout:    getDuration("OP_TIMEOUT", 30*time.Second),
	}
	if cfg.StoreVersion < 0 {
		return cfg, fmt.Errorf("STORE_VERSION must not be negative, got %d", cfg.StoreVersion)
	}
	if cfg.ExportBucket != "" && cfg.S3Endpoint == "" {
		return cfg, fmt.Errorf("EXPORT_BUCKET is set but S3_ENDPOINT is empty")
	}
	return cfg, nil
}

// S3Enabled reports whether bundles go through object storage.
func (c Config) S3Enabled() bool { return c.S3Endpoint != "" && c.ExportBucket != "" }

func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging installs the default slog logger writing to w and returns it.
func (c Config) SetupLogging(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
