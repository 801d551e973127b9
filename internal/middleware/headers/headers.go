// Package headers holds download middlewares that fill in request headers.
package headers

import (
	"context"
	"net/http"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// Middleware names used in the order table.
const (
	DefaultHeadersName = "default_headers"
	UserAgentName      = "user_agent"
)

// DefaultUserAgent is sent when neither the request nor the config sets one.
const DefaultUserAgent = "crawl-downloader/1.0"

// DefaultHeaders sets configured headers the request does not already carry.
type DefaultHeaders struct {
	headers http.Header
}

// NewDefaultHeaders copies h so later changes by the caller have no effect.
func NewDefaultHeaders(h map[string]string) *DefaultHeaders {
	headers := make(http.Header, len(h))
	for k, v := range h {
		headers.Set(k, v)
	}
	return &DefaultHeaders{headers: headers}
}

// Name implements middleware.Middleware.
func (d *DefaultHeaders) Name() string { return DefaultHeadersName }

// ProcessRequest fills missing headers in place.
func (d *DefaultHeaders) ProcessRequest(_ context.Context, req *crawler.Request, _ crawler.Spider) (crawler.Result, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	for k, values := range d.headers {
		if _, ok := req.Headers[k]; ok {
			continue
		}
		req.Headers[k] = append([]string(nil), values...)
	}
	return crawler.Result{}, nil
}

// UserAgenter is implemented by spiders with their own user agent.
type UserAgenter interface {
	UserAgent() string
}

// UserAgent sets the User-Agent header unless the request already has one.
type UserAgent struct {
	agent string
}

// NewUserAgent falls back to DefaultUserAgent when agent is empty.
func NewUserAgent(agent string) *UserAgent {
	if agent == "" {
		agent = DefaultUserAgent
	}
	return &UserAgent{agent: agent}
}

// Name implements middleware.Middleware.
func (u *UserAgent) Name() string { return UserAgentName }

// ProcessRequest sets the spider's agent, or the configured one.
func (u *UserAgent) ProcessRequest(_ context.Context, req *crawler.Request, spider crawler.Spider) (crawler.Result, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	if req.Headers.Get("User-Agent") != "" {
		return crawler.Result{}, nil
	}
	agent := u.agent
	if ua, ok := spider.(UserAgenter); ok && ua.UserAgent() != "" {
		agent = ua.UserAgent()
	}
	req.Headers.Set("User-Agent", agent)
	return crawler.Result{}, nil
}
