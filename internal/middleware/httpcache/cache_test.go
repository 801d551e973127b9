package httpcache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-downloader/internal/clock/fake"
	"github.com/JakeFAU/crawl-downloader/internal/crawler"
	"github.com/JakeFAU/crawl-downloader/internal/fingerprint"
	"github.com/JakeFAU/crawl-downloader/internal/middleware"
)

func newCache(ttl time.Duration) (*Cache, *fake.Clock) {
	clk := fake.New(time.Unix(1700000000, 0))
	return New(fingerprint.New(fingerprint.Options{}), clk, ttl), clk
}

func TestCacheServesStoredResponse(t *testing.T) {
	t.Parallel()

	c, _ := newCache(time.Hour)
	ctx := context.Background()
	req := crawler.NewRequest(http.MethodGet, "https://example.com/item")

	res, err := c.ProcessRequest(ctx, req, nil)
	require.NoError(t, err)
	require.True(t, res.IsZero())

	resp := &crawler.Response{URL: req.URL, Status: http.StatusOK, Body: []byte("hello"), Request: req}
	res, err = c.ProcessResponse(ctx, req, resp, nil)
	require.NoError(t, err)
	require.Same(t, resp, res.Response)
	require.Equal(t, 1, c.Len())

	again := crawler.NewRequest(http.MethodGet, "https://example.com/item")
	res, err = c.ProcessRequest(ctx, again, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	require.True(t, res.Response.HasFlag(FlagCached))
	require.Equal(t, "hello", string(res.Response.Body))
	require.Same(t, again, res.Response.Request)
	require.False(t, resp.HasFlag(FlagCached))
}

func TestCacheExpiresEntries(t *testing.T) {
	t.Parallel()

	c, clk := newCache(time.Minute)
	ctx := context.Background()
	req := crawler.NewRequest(http.MethodGet, "https://example.com/item")
	_, err := c.ProcessResponse(ctx, req, &crawler.Response{Status: http.StatusOK}, nil)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	res, err := c.ProcessRequest(ctx, req, nil)
	require.NoError(t, err)
	require.True(t, res.IsZero())
	require.Equal(t, 0, c.Len())
}

func TestCacheSkipsNonSuccessAndDontCache(t *testing.T) {
	t.Parallel()

	c, _ := newCache(0)
	ctx := context.Background()

	req := crawler.NewRequest(http.MethodGet, "https://example.com/missing")
	_, err := c.ProcessResponse(ctx, req, &crawler.Response{Status: http.StatusNotFound}, nil)
	require.NoError(t, err)

	nocache := crawler.NewRequest(http.MethodGet, "https://example.com/private")
	nocache.Meta.Set(MetaDontCache, true)
	_, err = c.ProcessResponse(ctx, nocache, &crawler.Response{Status: http.StatusOK}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestCacheShortCircuitSkipsTransport(t *testing.T) {
	t.Parallel()

	c, _ := newCache(0)
	m := middleware.NewManager(nil, c)
	calls := 0
	fetch := func(_ context.Context, req *crawler.Request, _ crawler.Spider) (*crawler.Response, error) {
		calls++
		return &crawler.Response{URL: req.URL, Status: http.StatusOK, Request: req}, nil
	}
	ctx := context.Background()

	first, err := m.Download(ctx, fetch, crawler.NewRequest(http.MethodGet, "https://example.com"), nil)
	require.NoError(t, err)
	require.False(t, first.Response.HasFlag(FlagCached))

	second, err := m.Download(ctx, fetch, crawler.NewRequest(http.MethodGet, "https://example.com"), nil)
	require.NoError(t, err)
	require.True(t, second.Response.HasFlag(FlagCached))
	require.Equal(t, 1, calls)
}
