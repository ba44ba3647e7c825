// Package config loads cartbox configuration from environment
// variables, which command-line flags may then override.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr string

	// Runtime assets of the core, served under AssetBase
	AssetDir  string
	AssetBase string

	// Logging
	LogLevel  string
	LogFormat string

	// Durable store ("memory", "local", "s3" or "postgres")
	StoreBackend string
	StorePath    string
	DatabaseURL  string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Session
	QueueDepth        int
	BootstrapTimeout  time.Duration
	BootstrapAttempts int
	ScreenshotScale   int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8090"),
		AssetDir:          envOr("ASSET_DIR", "public/wasm"),
		AssetBase:         envOr("ASSET_BASE", "/wasm/"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "console"),
		StoreBackend:      envOr("STORE_BACKEND", "local"),
		StorePath:         envOr("STORE_PATH", "data"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:          envOr("S3_BUCKET", "cartbox"),
		S3AccessKey:       envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:       envOr("S3_SECRET_KEY", ""),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		QueueDepth:        envInt("QUEUE_DEPTH", 8),
		BootstrapTimeout:  envDuration("BOOTSTRAP_TIMEOUT", 15*time.Second),
		BootstrapAttempts: envInt("BOOTSTRAP_ATTEMPTS", 3),
		ScreenshotScale:   envInt("SCREENSHOT_SCALE", 1),
	}

	return cfg, cfg.Validate()
}

// RegisterFlags binds the configuration to fs, using the
// current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "The address to listen on")
	fs.StringVar(&c.AssetDir, "assets", c.AssetDir, "The directory holding the core runtime assets")
	fs.StringVar(&c.AssetBase, "asset-base", c.AssetBase, "The URL path the core runtime assets are served from")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "The log level. Can be debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "The log format. Can be console or json")
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "The durable store. Can be memory, local, s3 or postgres")
	fs.StringVar(&c.StorePath, "store-path", c.StorePath, "The root directory of the local store")
	fs.IntVar(&c.QueueDepth, "queue-depth", c.QueueDepth, "The number of commands a session queues before reporting busy")
	fs.DurationVar(&c.BootstrapTimeout, "bootstrap-timeout", c.BootstrapTimeout, "The time budget for bootstrapping the core")
	fs.IntVar(&c.BootstrapAttempts, "bootstrap-attempts", c.BootstrapAttempts, "The number of instantiation attempts")
	fs.IntVar(&c.ScreenshotScale, "screenshot-scale", c.ScreenshotScale, "The integer factor screenshots are scaled by")
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "local", "s3", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres store")
	}
	if c.StoreBackend == "local" && c.StorePath == "" {
		return fmt.Errorf("STORE_PATH is required for the local store")
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be at least 1, got %d", c.QueueDepth)
	}
	if c.BootstrapAttempts < 1 {
		return fmt.Errorf("bootstrap attempts must be at least 1, got %d", c.BootstrapAttempts)
	}
	if c.BootstrapTimeout <= 0 {
		return fmt.Errorf("bootstrap timeout must be positive")
	}
	if c.ScreenshotScale < 1 || c.ScreenshotScale > 8 {
		return fmt.Errorf("screenshot scale must be between 1 and 8, got %d", c.ScreenshotScale)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
