// Package stats is a download middleware that counts traffic through the chain.
package stats

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
	"github.com/JakeFAU/crawl-downloader/internal/metrics"
)

// Name is the middleware name used in the order table.
const Name = "stats"

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Requests   int64 `json:"requests"`
	Responses  int64 `json:"responses"`
	Exceptions int64 `json:"exceptions"`
	Bytes      int64 `json:"bytes"`
}

// Stats counts requests, responses and failures. It never recovers failures.
type Stats struct {
	requests   atomic.Int64
	responses  atomic.Int64
	exceptions atomic.Int64
	bytes      atomic.Int64
}

// New returns zeroed counters.
func New() *Stats {
	return &Stats{}
}

// Name implements middleware.Middleware.
func (s *Stats) Name() string { return Name }

// ProcessRequest counts the request.
func (s *Stats) ProcessRequest(_ context.Context, req *crawler.Request, _ crawler.Spider) (crawler.Result, error) {
	s.requests.Add(1)
	metrics.IncRequest(req.Method)
	return crawler.Result{}, nil
}

// ProcessResponse counts the response and its body.
func (s *Stats) ProcessResponse(_ context.Context, _ *crawler.Request, resp *crawler.Response, _ crawler.Spider) (crawler.Result, error) {
	s.responses.Add(1)
	s.bytes.Add(int64(len(resp.Body)))
	metrics.ObserveResponse(resp.Status, len(resp.Body))
	return crawler.FromResponse(resp), nil
}

// ProcessException counts the failure and lets it continue.
func (s *Stats) ProcessException(_ context.Context, _ *crawler.Request, err error, _ crawler.Spider) (crawler.Result, error) {
	s.exceptions.Add(1)
	metrics.IncException(Kind(err))
	return crawler.Result{}, nil
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Requests:   s.requests.Load(),
		Responses:  s.responses.Load(),
		Exceptions: s.exceptions.Load(),
		Bytes:      s.bytes.Load(),
	}
}

// Kind buckets an error into a low-cardinality label.
func Kind(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "other"
	}
}
