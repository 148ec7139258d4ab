package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/archive/mbtiles"
	"github.com/mohammed-shakir/geotile-cache/internal/batch"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/geotile-cache/internal/core/config"
	"github.com/mohammed-shakir/geotile-cache/internal/core/health"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/core/server"
	"github.com/mohammed-shakir/geotile-cache/internal/httpapi"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	"github.com/mohammed-shakir/geotile-cache/internal/logger"
	"github.com/mohammed-shakir/geotile-cache/internal/metrics"
	"github.com/mohammed-shakir/geotile-cache/internal/raster"
	"github.com/mohammed-shakir/geotile-cache/internal/store/sqlitestore"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles/encoder"
	"github.com/mohammed-shakir/geotile-cache/pkg/invalidation/kafka"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	// overriding listen address via flag
	addrFlag := flag.String("addr", "", "listen address")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
		SampleN:   cfg.Log.SampleN,
		Instance:  cfg.InstanceID,
		Component: "tileserver",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	slog.SetDefault(appLog)

	p := metrics.Init(metrics.Config{Build: metrics.BuildInfo{
		Version:   Version,
		Revision:  Revision,
		BuildDate: BuildDate,
	}})
	observability.Init(p.Registerer(), cfg.Metrics.Enabled)

	appLog.Info("starting tileserver",
		"addr", cfg.Addr,
		"version", Version,
		"db", cfg.Store.DBPath,
		"redis", cfg.Redis.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlitestore.Open(ctx, cfg.Store.DBPath, sqlitestore.WithLogger(appLog))
	if err != nil {
		appLog.Error("failed to open feature store", "err", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	cache, closeRedis, err := buildCache(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("cache setup failed", "err", err)
		return 1
	}
	defer closeRedis()
	p.TrackLocalTier(cache.LocalLen)

	// generations persisted by earlier runs stay authoritative when Redis
	// was flushed
	if sets, err := db.Tilesets(ctx); err != nil {
		appLog.Warn("could not seed generations", "err", err)
	} else {
		for _, ts := range sets {
			cache.ObserveGeneration(ts.ID, ts.Generation)
		}
	}

	disabled, _ := cfg.DisabledKinds()
	policy := cfg.RetryPolicy()
	archives := mbtiles.NewDir(cfg.Store.ArchiveDir, appLog)
	defer func() { _ = archives.Close() }()
	enc := encoder.New(db, raster.NewRegistry(raster.DirOpener(cfg.Store.RasterDir)), archives,
		encoder.WithLogger(appLog),
		encoder.WithPolicy(policy),
		encoder.WithTileSize(cfg.Tiles.Size),
		encoder.WithBaseResolution(cfg.Tiles.BaseResolution),
		encoder.WithDisabled(disabled...),
	)
	svc := tiles.New(db, enc, cache,
		tiles.WithLogger(appLog),
		tiles.WithPolicy(policy),
		tiles.WithMetadataTTL(cfg.Cache.MetadataTTL),
	)

	kcfg, err := kafka.FromEnv(cfg.InstanceID)
	if err != nil {
		appLog.Error("invalidation config", "err", err)
		return 1
	}
	var pub invalidation.Publisher = invalidation.Nop{}
	if kcfg.Active() {
		kp, err := invalidation.NewKafkaPublisher(kcfg.Brokers, kcfg.Topic, cfg.InstanceID, kcfg.PublishQueue, appLog)
		if err != nil {
			appLog.Error("invalidation publisher", "err", err)
			return 1
		}
		defer func() { _ = kp.Close() }()
		pub = kp
	}
	eng := batch.New(db, db, cache,
		batch.WithLogger(appLog),
		batch.WithPolicy(policy),
		batch.WithPublisher(pub),
		batch.WithMaxRecords(cfg.Batch.MaxRecords),
	)

	runner := kafka.New(kcfg, cache, kafka.Options{
		Logger:   appLog,
		Register: p.Registerer(),
		Origin:   cfg.InstanceID,
		Forget:   svc,
	})
	if err := runner.Start(ctx); err != nil {
		appLog.Error("invalidation runner", "err", err)
		return 1
	}
	defer runner.Stop()

	ready := health.NewChecker(2*time.Second).
		Require("store", db).
		Consumer(runner)
	if cfg.Cache.LocalFallback {
		ready.Degrade("redis", cache)
	} else {
		ready.Require("redis", cache)
	}

	deps := httpapi.Deps{
		Tiles:          svc,
		Batch:          eng,
		Logger:         appLog,
		Ready:          ready.Handler(),
		RequestTimeout: cfg.RequestTimeout,
		PublicBaseURL:  cfg.PublicBaseURL,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = p.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}

	err = server.Run(ctx, server.Config{
		Addr:          cfg.Addr,
		ShutdownGrace: cfg.ShutdownGrace,
	}, httpapi.NewRouter(deps), appLog)
	if err != nil {
		appLog.Error("server exited", "err", err)
		return 1
	}
	appLog.Info("tileserver stopped")
	return 0
}

// buildCache wires the Redis tier when enabled. A nil *redisstore.Client
// must never reach tilecache as a non-nil Remote.
func buildCache(ctx context.Context, cfg config.Config, log *slog.Logger) (*tilecache.Cache, func(), error) {
	ttls, err := cfg.TTLs()
	if err != nil {
		return nil, nil, err
	}
	opts := []tilecache.Option{
		tilecache.WithTTLs(ttls),
		tilecache.WithOpTimeout(cfg.Cache.OpTimeout),
		tilecache.WithLogger(log),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, tilecache.WithComputeTimeout(cfg.RequestTimeout))
	}
	if cfg.Cache.LocalFallback || !cfg.Redis.Enabled {
		opts = append(opts, tilecache.WithLocalFallback(cfg.Cache.LocalSize))
	}

	if !cfg.Redis.Enabled {
		c, err := tilecache.New(nil, opts...)
		return c, func() {}, err
	}
	rc, err := redisstore.New(ctx, cfg.Redis.Addr,
		redisstore.WithPoolSize(cfg.Redis.PoolSize),
		redisstore.WithDB(cfg.Redis.DB),
		redisstore.WithPassword(cfg.Redis.Password),
	)
	if err != nil {
		if !cfg.Cache.LocalFallback {
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		log.Warn("redis unreachable, serving from the local tier only", "addr", cfg.Redis.Addr, "err", err)
		c, err := tilecache.New(nil, opts...)
		return c, func() {}, err
	}
	c, err := tilecache.New(rc, opts...)
	if err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	return c, func() { _ = rc.Close() }, nil
}
