package fingerprint

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// TestFingerprintDeterministic ensures repeated fingerprints of equivalent requests match.
func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()

	f := New(Options{})
	a := crawler.NewRequest(http.MethodGet, "https://example.com/path?b=2&a=1")
	b := crawler.NewRequest(http.MethodGet, "HTTPS://EXAMPLE.com:443/path?a=1&b=2#section")

	fpA, err := f.Fingerprint(a)
	require.NoError(t, err)
	require.Len(t, fpA, 20)
	fpB, err := f.Fingerprint(b)
	require.NoError(t, err)
	require.Equal(t, fpA, fpB)

	again, err := f.Fingerprint(a)
	require.NoError(t, err)
	require.Equal(t, fpA, again)
}

func TestFingerprintDistinguishesDefiningFields(t *testing.T) {
	t.Parallel()

	f := New(Options{})
	base := crawler.NewRequest(http.MethodGet, "https://example.com/item")
	baseHex, err := f.Hex(base)
	require.NoError(t, err)
	require.Len(t, baseHex, 40)

	post := crawler.NewRequest(http.MethodPost, "https://example.com/item")
	withBody := crawler.NewRequest(http.MethodGet, "https://example.com/item")
	withBody.Body = []byte("q=1")
	otherPath := crawler.NewRequest(http.MethodGet, "https://example.com/other")

	for _, req := range []*crawler.Request{post, withBody, otherPath} {
		got, err := f.Hex(req)
		require.NoError(t, err)
		require.NotEqual(t, baseHex, got, req.String())
	}
}

func TestFingerprintHeadersOnlyWhenIncluded(t *testing.T) {
	t.Parallel()

	plain := New(Options{})
	withLang := New(Options{IncludeHeaders: []string{"Accept-Language", " accept-language ", ""}})

	en := crawler.NewRequest(http.MethodGet, "https://example.com")
	en.Headers.Set("Accept-Language", "en")
	de := crawler.NewRequest(http.MethodGet, "https://example.com")
	de.Headers.Set("Accept-Language", "de")

	fpEN, err := plain.Hex(en)
	require.NoError(t, err)
	fpDE, err := plain.Hex(de)
	require.NoError(t, err)
	require.Equal(t, fpEN, fpDE)

	fpEN, err = withLang.Hex(en)
	require.NoError(t, err)
	fpDE, err = withLang.Hex(de)
	require.NoError(t, err)
	require.NotEqual(t, fpEN, fpDE)
}

func TestFingerprintKeepFragments(t *testing.T) {
	t.Parallel()

	f := New(Options{KeepFragments: true})
	a, err := f.Hex(crawler.NewRequest(http.MethodGet, "https://example.com/#a"))
	require.NoError(t, err)
	b, err := f.Hex(crawler.NewRequest(http.MethodGet, "https://example.com/#b"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	f := New(Options{})
	got, err := f.CanonicalURL("http://Example.COM:80/a?z=1&a=2#frag")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/a?a=2&z=1", got)

	_, err = f.Fingerprint(nil)
	require.Error(t, err)
}
