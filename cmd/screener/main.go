package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"KDJScreener/internal/api"
	"KDJScreener/internal/calculator"
	"KDJScreener/internal/collector"
	"KDJScreener/internal/config"
	"KDJScreener/internal/logger"
	"KDJScreener/internal/notifier"
	"KDJScreener/internal/pipeline"
	"KDJScreener/internal/proxy"
	"KDJScreener/internal/scheduler"
	"KDJScreener/internal/store"
)

func main() {
	defaultCfg := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultCfg = v
	}
	cfgPath := pflag.StringP("config", "c", defaultCfg, "path to the YAML configuration file")
	once := pflag.Bool("once", false, "run the screen once and exit")
	pflag.Parse()

	log := logger.WithComponent("main")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("config validation")
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAgeDays); err != nil {
		log.WithError(err).Fatal("configure logging")
	}
	log.Info("KDJScreener starting...")

	st, err := store.Open(cfg.Cache.Path)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	pool, err := buildPool(cfg)
	if err != nil {
		log.WithError(err).Fatal("init proxy pool")
	}

	source := buildSource(cfg)
	log.WithField("source", source.Name()).Info("data source ready")

	minDelay, maxDelay := cfg.RequestDelayRange()
	var limiter *rate.Limiter
	if cfg.Fetcher.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Fetcher.RequestsPerSecond), 1)
	}
	fetcher := collector.NewResilientFetcher(source, pool, collector.Options{
		MaxAttempts:     cfg.Fetcher.MaxRetries,
		BaseDelay:       cfg.Fetcher.RetryBaseDelay,
		MaxDelay:        cfg.Fetcher.RetryMaxDelay,
		MinRequestDelay: minDelay,
		MaxRequestDelay: maxDelay,
		Limiter:         limiter,
		Timeout:         cfg.DataSource.Timeout,
		BatchSize:       cfg.Fetcher.BatchSize,
		MaxWorkers:      cfg.Fetcher.MaxWorkers,
	})

	tfs, err := cfg.Timeframes()
	if err != nil {
		log.WithError(err).Fatal("selection timeframes")
	}
	marketClose, err := cfg.MarketClose()
	if err != nil {
		log.WithError(err).Fatal("market close")
	}
	pipe := pipeline.New(fetcher, st, pool, pipeline.Options{
		Timeframes: tfs,
		TopN:       cfg.Selection.TopN,
		Params: calculator.Params{
			N:  cfg.Indicator.KdjN,
			M1: cfg.Indicator.KdjM1,
			M2: cfg.Indicator.KdjM2,
		},
		Deadline:            cfg.Run.Deadline,
		StoreErrorThreshold: cfg.Run.StoreErrorThreshold,
		MarketClose:         marketClose,
	})

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler(ctx, pipe, cfg.Universe, notifier.LogHandler())
	sched.Pool = pool
	sched.ProxyStateFile = cfg.Fetcher.ProxyStateFile
	if cfg.Fetcher.UseProxy {
		sched.ProxyFile = cfg.Fetcher.ProxyFile
	}
	if cfg.Fetcher.UseProxy && cfg.Fetcher.ProxyCheckURL != "" {
		sched.Checker = &proxy.Checker{
			Pool:    pool,
			URL:     cfg.Fetcher.ProxyCheckURL,
			Timeout: cfg.DataSource.Timeout,
			Workers: cfg.Fetcher.MaxWorkers,
		}
	}

	if *once {
		res, err := sched.RunNow()
		if err != nil {
			log.WithError(err).Fatal("run failed")
		}
		if res.Summary.Degraded {
			log.WithField("reasons", res.Summary.DegradedReasons).Warn("run finished degraded")
		}
		return
	}

	if err := sched.RegisterAll(cfg.Schedule.RunCron, cfg.Fetcher.ProxyCheckCron); err != nil {
		log.WithError(err).Fatal("register cron tasks")
	}
	sched.Start()
	defer sched.Stop()

	apiDone := make(chan struct{})
	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API.Addr, st, pool, sched, cfg.Selection.TopN)
		go func() {
			defer close(apiDone)
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("api server stopped")
			}
		}()
	} else {
		close(apiDone)
	}

	if cfg.Schedule.RunOnStart || os.Getenv("RUN_ON_START") == "true" {
		log.Info("run_on_start enabled, executing screen now")
		if err := sched.TriggerAsync(); err != nil {
			log.WithError(err).Warn("run on start skipped")
		}
	}

	log.Info("KDJScreener is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping...")
	cancel()
	// Let in-flight API requests drain before the store closes.
	<-apiDone
}

func buildPool(cfg *config.Config) (*proxy.Pool, error) {
	strategy, err := proxy.ParseStrategy(cfg.Fetcher.ProxyStrategy)
	if err != nil {
		return nil, err
	}
	var addrs []string
	if cfg.Fetcher.UseProxy {
		addrs = append(addrs, cfg.Fetcher.ProxyList...)
		if cfg.Fetcher.ProxyFile != "" {
			fromFile, err := proxy.LoadFile(cfg.Fetcher.ProxyFile)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, fromFile...)
		}
	}
	pool := proxy.NewPool(addrs, proxy.Options{
		Strategy:      strategy,
		FailThreshold: cfg.Fetcher.ProxyFailThreshold,
	})
	if cfg.Fetcher.ProxyStateFile != "" {
		saved, err := proxy.LoadState(cfg.Fetcher.ProxyStateFile)
		if err != nil {
			logger.WithComponent("main").WithError(err).Warn("ignoring unreadable proxy state")
		} else {
			pool.Restore(saved)
		}
	}
	return pool, nil
}

func buildSource(cfg *config.Config) collector.Source {
	var src collector.Source
	switch cfg.DataSource.Name {
	case "yahoo":
		src = collector.NewYahooSource(cfg.DataSource.BaseURL)
	case "mock":
		src = &collector.MockSource{}
	default:
		src = collector.NewEastMoneySource(cfg.DataSource.BaseURL)
	}
	if cfg.DataSource.ResampleFromDaily {
		src = &collector.ResamplingSource{Daily: src}
	}
	return src
}
