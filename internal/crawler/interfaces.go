package crawler

import (
	"context"
	"time"
)

// Spider identifies the crawl a request belongs to.
type Spider interface {
	Name() string
}

// DownloadDelayer is implemented by spiders that override the base download delay.
type DownloadDelayer interface {
	DownloadDelay() time.Duration
}

// ConcurrencyCapper is implemented by spiders that override the default slot concurrency.
type ConcurrencyCapper interface {
	MaxConcurrentRequests() int
}

// StaticSpider is a Spider with nothing but a name.
type StaticSpider string

// Name returns the spider name.
func (s StaticSpider) Name() string {
	return string(s)
}

// SpiderName returns the spider name or "" for a nil spider.
func SpiderName(s Spider) string {
	if s == nil {
		return ""
	}
	return s.Name()
}

// Transport performs the network I/O for a finalized request.
type Transport interface {
	DownloadRequest(ctx context.Context, req *Request, spider Spider) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request, spider Spider) (*Response, error)

// DownloadRequest calls f.
func (f TransportFunc) DownloadRequest(ctx context.Context, req *Request, spider Spider) (*Response, error) {
	return f(ctx, req, spider)
}

// Fingerprinter derives a stable identifier from a request's defining fields.
type Fingerprinter interface {
	Fingerprint(req *Request) ([]byte, error)
}

// AddressCache resolves a hostname to a cached address.
type AddressCache interface {
	Get(host string) (string, bool)
}

// Clock returns the current time and schedules one-shot callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback scheduled by a Clock.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already ran
	// or was already stopped.
	Stop() bool
}
