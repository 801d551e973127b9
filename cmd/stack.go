package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/api"
	"github.com/JakeFAU/crawl-downloader/internal/clock/system"
	"github.com/JakeFAU/crawl-downloader/internal/config"
	"github.com/JakeFAU/crawl-downloader/internal/crawler"
	"github.com/JakeFAU/crawl-downloader/internal/dnscache"
	"github.com/JakeFAU/crawl-downloader/internal/downloader"
	"github.com/JakeFAU/crawl-downloader/internal/dupefilter"
	"github.com/JakeFAU/crawl-downloader/internal/fingerprint"
	"github.com/JakeFAU/crawl-downloader/internal/middleware"
	"github.com/JakeFAU/crawl-downloader/internal/middleware/headers"
	"github.com/JakeFAU/crawl-downloader/internal/middleware/httpcache"
	"github.com/JakeFAU/crawl-downloader/internal/middleware/ratelimit"
	"github.com/JakeFAU/crawl-downloader/internal/middleware/stats"
	"github.com/JakeFAU/crawl-downloader/internal/signals"
	"github.com/JakeFAU/crawl-downloader/internal/signals/sinks"
	collytransport "github.com/JakeFAU/crawl-downloader/internal/transport/colly"
)

// stack is the fully wired fetch core.
type stack struct {
	cfg        config.Config
	logger     *zap.Logger
	filter     *dupefilter.Filter
	hub        *signals.Hub
	stats      *stats.Stats
	dns        *dnscache.Cache
	downloader *downloader.Downloader
	server     *api.Server
	httpServer *http.Server
	closers    []func()
}

// buildStack wires every component from cfg. transport may be nil, in which
// case the colly transport is used. reg receives the signal sink collectors.
func buildStack(
	ctx context.Context,
	cfg config.Config,
	transport crawler.Transport,
	reg prometheus.Registerer,
	logger *zap.Logger,
) (_ *stack, err error) {
	s := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.runClosers()
		}
	}()

	fp := fingerprint.New(fingerprint.Options{
		IncludeHeaders: cfg.Fingerprint.IncludeHeaders,
		KeepFragments:  cfg.Fingerprint.KeepFragments,
	})

	store, err := buildSeenStore(ctx, cfg.Dupefilter)
	if err != nil {
		return nil, err
	}
	s.filter, err = dupefilter.New(fp, store, logger, dupefilter.Config{Debug: cfg.Dupefilter.Debug})
	if err != nil {
		return nil, fmt.Errorf("init dupefilter: %w", err)
	}
	if err := s.filter.Open(ctx); err != nil {
		return nil, fmt.Errorf("open dupefilter: %w", err)
	}
	s.closers = append(s.closers, func() {
		if cerr := s.filter.Close("finished"); cerr != nil {
			logger.Warn("close dupefilter", zap.Error(cerr))
		}
	})

	eventSinks, err := s.buildSinks(ctx, reg)
	if err != nil {
		return nil, err
	}
	s.hub = signals.NewHub(signals.Config{
		BufferSize:     cfg.Signals.BufferSize,
		MaxBatchEvents: cfg.Signals.MaxBatchEvents,
		MaxBatchWait:   cfg.Signals.MaxBatchWait,
		Logger:         logger.Named("signals"),
	}, eventSinks...)
	// Runs before the store pool closers registered by buildSinks.
	s.closers = append([]func(){func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := s.hub.Close(closeCtx); cerr != nil {
			logger.Warn("close signal hub", zap.Error(cerr))
		}
	}}, s.closers...)

	clock := system.New()
	s.dns = dnscache.New(clock, cfg.Downloader.DNSCacheTTL, logger)

	if transport == nil {
		transport = collytransport.New(collytransport.Config{
			UserAgent:     cfg.Transport.UserAgent,
			RespectRobots: cfg.Transport.RespectRobots,
			Timeout:       cfg.Transport.Timeout,
			MaxBodyBytes:  cfg.Transport.MaxBodyBytes,
		}, logger)
	}

	s.stats = stats.New()
	available := map[string]middleware.Middleware{
		headers.DefaultHeadersName: headers.NewDefaultHeaders(cfg.Middleware.DefaultHeaders),
		headers.UserAgentName:      headers.NewUserAgent(cfg.Transport.UserAgent),
		ratelimit.Name: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Middleware.RateLimit.RPS,
			DefaultBurst: cfg.Middleware.RateLimit.Burst,
		}),
		stats.Name:     s.stats,
		httpcache.Name: httpcache.New(fp, clock, cfg.Middleware.HTTPCache.TTL),
	}
	ordered, err := middleware.Ordered(available, cfg.Middleware.Order)
	if err != nil {
		return nil, fmt.Errorf("order middleware: %w", err)
	}
	chain := middleware.NewManager(logger, ordered...)
	logger.Info("middleware chain built", zap.Strings("middlewares", chain.Names()))

	s.downloader, err = downloader.New(cfg.DownloaderSettings(), transport, chain, clock, s.hub, s.dns, logger)
	if err != nil {
		return nil, fmt.Errorf("init downloader: %w", err)
	}
	// Downloader first so queued requests fail before the hub drains.
	s.closers = append([]func(){s.downloader.Close}, s.closers...)

	if cfg.Server.Listen != "" {
		s.server = api.NewServer(s.downloader, api.Sources{
			Stats:   s.stats,
			Seen:    s.filter,
			Chain:   chain,
			Signals: s.hub,
		}, logger.Named("api"))
		s.httpServer = &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           s.server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server started", zap.String("listen", cfg.Server.Listen))
			if serr := s.httpServer.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(serr))
			}
		}()
		s.server.SetReady(true)
	}
	return s, nil
}

func buildSeenStore(ctx context.Context, cfg config.DupefilterConfig) (dupefilter.Store, error) {
	switch {
	case cfg.JobDir != "":
		store, err := dupefilter.NewFileStore(cfg.JobDir)
		if err != nil {
			return nil, fmt.Errorf("open seen file: %w", err)
		}
		return store, nil
	case cfg.PostgresDSN != "":
		store, err := dupefilter.NewPostgresStore(ctx, dupefilter.PostgresConfig{
			DSN:   cfg.PostgresDSN,
			Table: cfg.Table,
			Job:   cfg.Job,
		})
		if err != nil {
			return nil, fmt.Errorf("open seen table: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (s *stack) buildSinks(ctx context.Context, reg prometheus.Registerer) ([]signals.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out := []signals.Sink{promSink}
	if s.cfg.Signals.LogEvents {
		out = append(out, sinks.NewLogSink(s.logger.Named("events")))
	}
	if s.cfg.Signals.StoreDSN != "" {
		pool, err := pgxpool.New(ctx, s.cfg.Signals.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("connect signal store: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		storeSink, err := sinks.NewStoreSink(pool, s.cfg.Signals.StoreTable, s.logger)
		if err != nil {
			return nil, fmt.Errorf("init store sink: %w", err)
		}
		out = append(out, storeSink)
	}
	return out, nil
}

// Close shuts the stack down in dependency order.
func (s *stack) Close() {
	if s.server != nil {
		s.server.SetReady(false)
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status server shutdown error", zap.Error(err))
		}
	}
	s.runClosers()
}

func (s *stack) runClosers() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}
