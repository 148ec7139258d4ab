// Package config loads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
)

type (
	Config struct {
		Addr           string        `env:"ADDR" envDefault:":8090"`
		InstanceID     string        `env:"INSTANCE_ID"`
		PublicBaseURL  string        `env:"PUBLIC_BASE_URL"`
		RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
		ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

		Log     Log     `envPrefix:"LOG_"`
		Store   Store
		Redis   Redis   `envPrefix:"REDIS_"`
		Cache   Cache   `envPrefix:"CACHE_"`
		Retry   Retry   `envPrefix:"RETRY_"`
		Tiles   Tiles   `envPrefix:"TILE_"`
		Batch   Batch   `envPrefix:"BATCH_"`
		Metrics Metrics `envPrefix:"METRICS_"`
	}

	Log struct {
		Level   string `env:"LEVEL" envDefault:"info"`
		Console bool   `env:"CONSOLE" envDefault:"false"`
		SampleN int    `env:"SAMPLE_N" envDefault:"0"`
	}

	Store struct {
		DBPath     string `env:"DB_PATH" envDefault:"geotile.db"`
		ArchiveDir string `env:"ARCHIVE_DIR" envDefault:"archives"`
		RasterDir  string `env:"RASTER_DIR" envDefault:"rasters"`
	}

	Redis struct {
		Enabled  bool   `env:"ENABLED" envDefault:"true"`
		Addr     string `env:"ADDR" envDefault:"localhost:6379"`
		Password string `env:"PASSWORD"`
		DB       int    `env:"DB" envDefault:"0"`
		PoolSize int    `env:"POOL_SIZE" envDefault:"64"`
	}

	Cache struct {
		TTLTile       time.Duration `env:"TTL_TILE" envDefault:"1h"`
		TTLTileJSON   time.Duration `env:"TTL_TILEJSON" envDefault:"5m"`
		TTLSummary    time.Duration `env:"TTL_SUMMARY" envDefault:"1m"`
		TTLOverrides  string        `env:"TTL_OVERRIDES"`
		OpTimeout     time.Duration `env:"OP_TIMEOUT" envDefault:"250ms"`
		LocalFallback bool          `env:"LOCAL_FALLBACK" envDefault:"true"`
		LocalSize     int           `env:"LOCAL_SIZE" envDefault:"4096"`
		MetadataTTL   time.Duration `env:"METADATA_TTL" envDefault:"30s"`
	}

	Retry struct {
		MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
		BaseDelay       time.Duration `env:"BASE_DELAY" envDefault:"500ms"`
		MaxDelay        time.Duration `env:"MAX_DELAY" envDefault:"5s"`
		ExponentialBase float64       `env:"EXPONENTIAL_BASE" envDefault:"2"`
		Jitter          bool          `env:"JITTER" envDefault:"true"`
	}

	Tiles struct {
		KindsDisabled  []string `env:"KINDS_DISABLED" envSeparator:","`
		Size           int      `env:"SIZE" envDefault:"256"`
		BaseResolution float64  `env:"SIMPLIFY_BASE_RESOLUTION" envDefault:"0"`
	}

	Batch struct {
		MaxRecords int `env:"MAX_RECORDS" envDefault:"10000"`
	}

	Metrics struct {
		Enabled bool   `env:"ENABLED" envDefault:"true"`
		Path    string `env:"PATH" envDefault:"/metrics"`
	}
)

// FromEnv loads .env when present and parses the environment.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: .env not loaded", "err", err)
	}
	return Parse()
}

// Parse reads the environment without touching .env.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if _, err := cfg.TTLs(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.DisabledKinds(); err != nil {
		return Config{}, err
	}
	if cfg.Retry.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return Config{}, fmt.Errorf("config: REDIS_ADDR is required when REDIS_ENABLED")
	}
	return cfg, nil
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Retry.MaxAttempts,
		BaseDelay:       c.Retry.BaseDelay,
		MaxDelay:        c.Retry.MaxDelay,
		ExponentialBase: c.Retry.ExponentialBase,
		Jitter:          c.Retry.Jitter,
	}
}

func (c Config) TTLs() (tilecache.TTLs, error) {
	ovr, err := tilecache.ParseOverrides(c.Cache.TTLOverrides)
	if err != nil {
		return tilecache.TTLs{}, fmt.Errorf("config: CACHE_TTL_OVERRIDES: %w", err)
	}
	return tilecache.TTLs{
		Tile:      c.Cache.TTLTile,
		TileJSON:  c.Cache.TTLTileJSON,
		Summary:   c.Cache.TTLSummary,
		Overrides: ovr,
	}, nil
}

func (c Config) DisabledKinds() ([]model.Kind, error) {
	var out []model.Kind
	for _, s := range c.Tiles.KindsDisabled {
		k := model.Kind(strings.ToLower(strings.TrimSpace(s)))
		if k == "" {
			continue
		}
		if !k.Valid() {
			return nil, fmt.Errorf("config: TILE_KINDS_DISABLED: unknown kind %q", s)
		}
		out = append(out, k)
	}
	return out, nil
}
