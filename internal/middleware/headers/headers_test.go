package headers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

type agentSpider struct{}

func (agentSpider) Name() string      { return "agent" }
func (agentSpider) UserAgent() string { return "spider-bot/2.0" }

func TestDefaultHeadersFillsMissing(t *testing.T) {
	t.Parallel()

	src := map[string]string{"accept": "text/html", "Accept-Language": "en"}
	mw := NewDefaultHeaders(src)
	src["accept"] = "changed"

	req := crawler.NewRequest(http.MethodGet, "https://example.com")
	req.Headers.Set("Accept-Language", "de")

	res, err := mw.ProcessRequest(context.Background(), req, nil)
	require.NoError(t, err)
	require.True(t, res.IsZero())
	require.Equal(t, "text/html", req.Headers.Get("Accept"))
	require.Equal(t, "de", req.Headers.Get("Accept-Language"))
	require.Equal(t, DefaultHeadersName, mw.Name())
}

func TestDefaultHeadersNilHeaders(t *testing.T) {
	t.Parallel()

	mw := NewDefaultHeaders(map[string]string{"Accept": "*/*"})
	req := &crawler.Request{Method: http.MethodGet, URL: "https://example.com"}
	_, err := mw.ProcessRequest(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, "*/*", req.Headers.Get("Accept"))
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		agent    string
		spider   crawler.Spider
		existing string
		want     string
	}{
		{name: "default", want: DefaultUserAgent},
		{name: "configured", agent: "cpi-bot/1.0", spider: crawler.StaticSpider("s"), want: "cpi-bot/1.0"},
		{name: "spider wins over config", agent: "cpi-bot/1.0", spider: agentSpider{}, want: "spider-bot/2.0"},
		{name: "request wins", agent: "cpi-bot/1.0", spider: agentSpider{}, existing: "manual/0.1", want: "manual/0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := crawler.NewRequest(http.MethodGet, "https://example.com")
			if tt.existing != "" {
				req.Headers.Set("User-Agent", tt.existing)
			}
			_, err := NewUserAgent(tt.agent).ProcessRequest(context.Background(), req, tt.spider)
			require.NoError(t, err)
			require.Equal(t, tt.want, req.Headers.Get("User-Agent"))
		})
	}
}
