// Package collytransport performs downloads with gocolly.
package collytransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// FlagRobotsIndeterminate marks responses from hosts whose robots.txt could not
// be fetched and was treated as allow-all.
const FlagRobotsIndeterminate = "robots_indeterminate"

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes truncates bodies; zero keeps colly's default.
	MaxBodyBytes int
}

// Transport implements crawler.Transport. Each download runs on a clone of a
// base collector so callbacks never leak between requests.
type Transport struct {
	cfg    Config
	base   *colly.Collector
	robots *robotsProbeState
	logger *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	return newWithRoundTripper(cfg, newHTTPTransport(), logger)
}

func newWithRoundTripper(cfg Config, rt http.RoundTripper, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}

	// Clones share the backend, so the transport is installed once here.
	robots := newRobotsProbeState()
	c.WithTransport(&robotsAwareTransport{base: rt, state: robots})
	c.SetRequestTimeout(cfg.Timeout)

	return &Transport{cfg: cfg, base: c, robots: robots, logger: logger}
}

// DownloadRequest performs req and returns the response for any HTTP status.
// Network failures, robots.txt refusals and cancellation are errors.
func (t *Transport) DownloadRequest(ctx context.Context, req *crawler.Request, _ crawler.Spider) (*crawler.Response, error) {
	var (
		resp     *crawler.Response
		fetchErr error
	)
	collector := t.base.Clone()
	collector.Context = ctx
	t.configureCollectorHooks(collector, req, time.Now(), &resp, &fetchErr)

	if err := t.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("colly fetch %s: no response", req)
	}
	if t.robots.indeterminate(req.Hostname()) {
		resp.Flags = append(resp.Flags, FlagRobotsIndeterminate)
	}
	return resp, nil
}

func (t *Transport) configureCollectorHooks(
	hooks collectorHooks,
	req *crawler.Request,
	start time.Time,
	result **crawler.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		finalURL := req.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = &crawler.Response{
			URL:     finalURL,
			Status:  r.StatusCode,
			Headers: headers,
			Body:    append([]byte(nil), r.Body...),
			Request: req,
		}
		t.logger.Debug("colly response",
			zap.String("url", finalURL),
			zap.Int("status", r.StatusCode),
			zap.Duration("dur", time.Since(start)),
		)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, req *crawler.Request, fetchErr *error) error {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(req.Method, req.URL, body, nil, headers)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
