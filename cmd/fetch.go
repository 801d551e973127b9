package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
	"github.com/JakeFAU/crawl-downloader/internal/middleware/httpcache"
)

const backoutPoll = 50 * time.Millisecond

// registerer receives the collectors of the Prometheus signal sink.
var registerer prometheus.Registerer = prometheus.DefaultRegisterer

func newFetchCmd() *cobra.Command {
	var (
		spiderName string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "fetch URL [URL...]",
		Short: "Fetch URLs through the downloader",
		Long: `Fetches every URL once. Duplicate requests are filtered by fingerprint,
requests returned by middleware are scheduled in turn, and the command exits
non-zero when any request failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, cfg, nil, registerer, appInstance.Logger)
			if err != nil {
				return err
			}
			defer st.Close()

			summary, err := newScheduler(st, crawler.StaticSpider(spiderName)).run(ctx, args)
			appInstance.Logger.Info("fetch finished",
				zap.Int("responses", summary.Responses),
				zap.Int("filtered", summary.Filtered),
				zap.Int("failed", summary.Failed),
			)
			return err
		},
	}
	cmd.Flags().StringVar(&spiderName, "spider", "default", "spider name attached to requests and signals")
	cmd.Flags().StringVar(&listen, "listen", "", "serve the status API on this address (overrides server.listen)")
	return cmd
}

// Summary counts request outcomes for one run.
type Summary struct {
	Responses int
	Filtered  int
	Failed    int
}

// scheduler is the minimal driver in front of the downloader: it dedupes,
// backs off while the downloader is saturated and re-submits returned
// requests.
type scheduler struct {
	st     *stack
	spider crawler.Spider
	logger *zap.Logger

	mu       sync.Mutex
	pending  []*crawler.Request
	inflight int
	summary  Summary
	wake     chan struct{}
}

func newScheduler(st *stack, spider crawler.Spider) *scheduler {
	return &scheduler{
		st:     st,
		spider: spider,
		logger: st.logger.Named("scheduler"),
		wake:   make(chan struct{}, 1),
	}
}

func (s *scheduler) run(ctx context.Context, urls []string) (Summary, error) {
	for _, u := range urls {
		s.schedule(ctx, crawler.NewRequest(http.MethodGet, u))
	}

	limit := s.st.cfg.Downloader.ConcurrentRequests
	ticker := time.NewTicker(backoutPoll)
	defer ticker.Stop()

	var g errgroup.Group
	var runErr error
loop:
	for {
		s.mu.Lock()
		if len(s.pending) == 0 && s.inflight == 0 {
			s.mu.Unlock()
			break
		}
		if len(s.pending) > 0 && s.inflight < limit && !s.st.downloader.NeedsBackout() {
			req := s.pending[0]
			s.pending = s.pending[1:]
			s.inflight++
			s.mu.Unlock()
			g.Go(func() error {
				s.fetch(ctx, req)
				return nil
			})
			continue
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			runErr = fmt.Errorf("fetch interrupted: %w", ctx.Err())
			break loop
		case <-ticker.C:
		case <-s.wake:
		}
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if runErr == nil && s.summary.Failed > 0 {
		runErr = fmt.Errorf("%d request(s) failed", s.summary.Failed)
	}
	return s.summary, runErr
}

// schedule runs req through the dupe filter and queues it.
func (s *scheduler) schedule(ctx context.Context, req *crawler.Request) {
	if !req.DontFilter {
		seen, err := s.st.filter.Seen(ctx, req)
		if err != nil {
			s.logger.Error("dupe filter failed", zap.Stringer("request", req), zap.Error(err))
			s.mu.Lock()
			s.summary.Failed++
			s.mu.Unlock()
			return
		}
		if seen {
			s.st.filter.Log(req, s.spider)
			s.mu.Lock()
			s.summary.Filtered++
			s.mu.Unlock()
			return
		}
	}
	s.mu.Lock()
	s.pending = append(s.pending, req)
	s.mu.Unlock()
	s.notify()
}

func (s *scheduler) fetch(ctx context.Context, req *crawler.Request) {
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
		s.notify()
	}()

	if s.st.cfg.Downloader.ConcurrentRequestsPerIP > 0 {
		if _, err := s.st.dns.Resolve(ctx, req.Hostname()); err != nil {
			s.logger.Debug("resolve failed; slot keyed by hostname", zap.String("host", req.Hostname()), zap.Error(err))
		}
	}

	res, err := s.st.downloader.Fetch(ctx, req, s.spider)
	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) {
			s.logger.Debug("request canceled", zap.Stringer("request", req))
		} else {
			s.logger.Warn("request failed", zap.Stringer("request", req), zap.Error(err))
		}
		s.mu.Lock()
		s.summary.Failed++
		s.mu.Unlock()
	case res.Request != nil:
		s.logger.Debug("rescheduling", zap.Stringer("from", req), zap.Stringer("to", res.Request))
		s.schedule(ctx, res.Request)
	default:
		s.logger.Info("downloaded",
			zap.Stringer("response", res.Response),
			zap.Int("bytes", len(res.Response.Body)),
			zap.Bool("cached", res.Response.HasFlag(httpcache.FlagCached)),
		)
		s.mu.Lock()
		s.summary.Responses++
		s.mu.Unlock()
	}
}

func (s *scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
