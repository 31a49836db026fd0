package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctorguard/internal/api"
	"proctorguard/internal/archive"
	"proctorguard/internal/cache"
	"proctorguard/internal/config"
	"proctorguard/internal/forward"
	"proctorguard/internal/ingest"
	"proctorguard/internal/logging"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/reports"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
	"proctorguard/internal/window"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "proctorguard.yaml", "path to config file (yaml, json or toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "proctorguard:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgMgr, err := loadConfig(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting proctorguard", "version", version, "config", cfgMgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := session.NewManager(sessionConfig(cfg), logger)
	defer sessions.Close()

	ring := reports.NewStore(cfg.Reports.StoreLimit)
	metricsStore := metrics.NewStore(cfg.Metrics.StoreLimit)
	sessions.AddReportSink("reports", ring)
	sessions.AddReportSink("metrics", metricsStore)
	sessions.AddReportSink("prometheus", metrics.Recorder{})

	var history api.ReportHistory
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			store.Close()
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		sessions.AddReportSink("storage", session.ReportSinkFunc(store.SaveReport))
		sessions.AddProfileSink("storage", session.ProfileSinkFunc(store.SaveProfile))
		history = store
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var reportCache api.ReportLookup
	if cfg.Cache.Enabled {
		redisCache, err := connectCache(ctx, cfg.Cache, logger)
		if err != nil {
			logger.Warn("running without report cache", "err", err)
		} else {
			defer redisCache.Close()
			sessions.AddReportSink("cache", redisCache)
			reportCache = redisCache
			logger.Info("report cache enabled", "addr", cfg.Cache.Addr)
		}
	}

	if cfg.Archive.Enabled {
		archiver, err := archive.NewArchiver(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Warn("running without report archive", "err", err)
		} else {
			sessions.AddReportSink("archive", archiver)
		}
	}

	if cfg.Forward.Enabled {
		forwarder := forward.NewForwarder(cfg.Forward, logger)
		defer forwarder.Close()
		sessions.AddReportSink("forward", forwarder)
	}

	proc, err := ingest.NewProcessor(cfgMgr, sessions, logger)
	if err != nil {
		return fmt.Errorf("init ingest: %w", err)
	}
	proc.OnOutcome(func(source string, outcome ingest.Outcome) {
		metrics.ObserveEvent(source, string(outcome))
	})
	events := make(chan model.InputEvent, cfg.Ingest.ChannelBuffer)
	go proc.Run(ctx, events)

	restServer := ingest.StartREST(ctx, cfgMgr, proc, logger)
	if ln := ingest.StartTCPStream(ctx, cfgMgr, proc, events, logger); ln != nil {
		defer ln.Close()
	}
	ingest.StartKafka(ctx, cfgMgr, proc, events, logger)

	server := api.NewServer(cfgMgr, sessions, api.Deps{
		Reports: ring,
		Cache:   reportCache,
		Metrics: metricsStore,
		History: history,
		Events:  ingest.NewRESTHandler(proc, logger),
		Ingest:  proc,
	}, logger, version)
	apiServer := api.Start(ctx, cfgMgr, server, logger)
	if restServer == nil && apiServer == nil {
		logger.Warn("no http surface enabled; only stream ingest is running")
	}

	watchStop := make(chan struct{})
	go cfgMgr.Watch(3*time.Second, func(next *config.Config) {
		sessions.UpdateConfig(sessionConfig(next))
		logger.Info("config reloaded", "default_sensitivity", next.Detection.DefaultSensitivity)
	}, func(err error) {
		logger.Warn("config watch error", "err", err)
	}, watchStop)

	<-ctx.Done()
	close(watchStop)
	logger.Info("shutting down")
	// give the http servers' shutdown goroutines time to drain
	time.Sleep(200 * time.Millisecond)
	return nil
}

func loadConfig(path string) (*config.Manager, error) {
	mgr, err := config.NewManager(path)
	if err == nil {
		return mgr, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return config.NewStaticManager(nil), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.Config{
		Sensitivity:         cfg.Detection.DefaultSensitivity,
		Outlier:             cfg.Detection.OutlierOptions(),
		Window:              cfg.Window.PollerOptions(),
		InactivityThreshold: cfg.Detection.InactivityThreshold,
	}
	if cfg.Window.Enabled {
		sc.Observer = window.NewObserver()
	}
	return sc
}

// connectCache retries a few times since redis often starts alongside us.
func connectCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*cache.RedisCache, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		c, err := cache.NewRedisCache(ctx, cfg)
		if err == nil {
			return c, nil
		}
		lastErr = err
		logger.Warn("redis connection attempt failed", "attempt", attempt, "err", err)
		if !ingest.BackoffSleep(ctx, time.Duration(attempt)*time.Second) {
			break
		}
	}
	return nil, lastErr
}
