// Package fingerprint derives stable request identifiers for deduplication
// and caching.
package fingerprint

import (
	"crypto/sha1" //nolint:gosec // identity hash, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/nlnwa/whatwg-url/canonicalizer"
	"github.com/nlnwa/whatwg-url/url"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// Options selects which request fields feed the fingerprint beyond method,
// canonical URL, and body.
type Options struct {
	// IncludeHeaders lists header names whose values are part of the identity.
	IncludeHeaders []string
	// KeepFragments keeps the URL fragment; by default "#a" and "#b" collide.
	KeepFragments bool
}

// Fingerprinter implements crawler.Fingerprinter using SHA-1 over a canonical
// JSON document.
type Fingerprinter struct {
	headers       []string
	keepFragments bool
	parser        url.Parser
}

// New builds a Fingerprinter.
func New(opts Options) *Fingerprinter {
	headers := make([]string, 0, len(opts.IncludeHeaders))
	seen := make(map[string]struct{}, len(opts.IncludeHeaders))
	for _, h := range opts.IncludeHeaders {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		headers = append(headers, name)
	}
	sort.Strings(headers)

	parserOpts := []url.ParserOption{canonicalizer.WithSortQuery(canonicalizer.SortParameter)}
	if !opts.KeepFragments {
		parserOpts = append(parserOpts, canonicalizer.WithRemoveFragment())
	}
	return &Fingerprinter{
		headers:       headers,
		keepFragments: opts.KeepFragments,
		parser:        canonicalizer.New(parserOpts...),
	}
}

type document struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Body    string              `json:"body"`
	Headers map[string][]string `json:"headers"`
}

// Fingerprint returns the 20-byte SHA-1 identity of req.
func (f *Fingerprinter) Fingerprint(req *crawler.Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("fingerprint: nil request")
	}
	canonical, err := f.CanonicalURL(req.URL)
	if err != nil {
		return nil, err
	}
	doc := document{
		Method:  strings.ToUpper(req.Method),
		URL:     canonical,
		Body:    hex.EncodeToString(req.Body),
		Headers: f.headerValues(req.Headers),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal fingerprint document: %w", err)
	}
	sum := sha1.Sum(payload) //nolint:gosec // see import
	return sum[:], nil
}

// Hex returns the hex-encoded fingerprint of req, the form used on disk.
func (f *Fingerprinter) Hex(req *crawler.Request) (string, error) {
	fp, err := f.Fingerprint(req)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(fp), nil
}

// CanonicalURL normalizes rawURL: scheme and host lower-cased, default port
// dropped, query parameters sorted, fragment removed unless kept.
func (f *Fingerprinter) CanonicalURL(rawURL string) (string, error) {
	u, err := f.parser.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("canonicalize url %q: %w", rawURL, err)
	}
	return u.Href(!f.keepFragments), nil
}

func (f *Fingerprinter) headerValues(h http.Header) map[string][]string {
	out := make(map[string][]string, len(f.headers))
	for _, name := range f.headers {
		values := h.Values(name)
		if len(values) == 0 {
			continue
		}
		encoded := make([]string, 0, len(values))
		for _, v := range values {
			encoded = append(encoded, hex.EncodeToString([]byte(v)))
		}
		out[hex.EncodeToString([]byte(name))] = encoded
	}
	return out
}
