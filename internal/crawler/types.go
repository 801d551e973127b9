package crawler

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MetaDownloadSlot is the Meta key holding the routing key of a request.
// Setting it before a fetch pins the request to that slot.
const MetaDownloadSlot = "download_slot"

// Request is an outbound fetch. Fields are treated as immutable once the
// request is handed to the downloader; per-request annotations go in Meta.
type Request struct {
	ID         uuid.UUID
	Method     string
	URL        string
	Headers    http.Header
	Body       []byte
	DontFilter bool
	Meta       *Meta
}

// NewRequest builds a GET-by-default request with a fresh UUIDv7 ID.
func NewRequest(method, rawURL string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Request{
		ID:      id,
		Method:  strings.ToUpper(method),
		URL:     rawURL,
		Headers: http.Header{},
		Meta:    NewMeta(),
	}
}

// Hostname returns the lower-cased host of the request URL without port,
// or "" when the URL cannot be parsed.
func (r *Request) Hostname() string {
	if r == nil {
		return ""
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// String renders the request the way it appears in logs.
func (r *Request) String() string {
	if r == nil {
		return "<nil request>"
	}
	return "<" + r.Method + " " + r.URL + ">"
}

// Response is produced by a transport or by a middleware short-circuit.
type Response struct {
	URL     string
	Status  int
	Headers http.Header
	Body    []byte
	Flags   []string
	// Request points back at the originating request for correlation only.
	Request *Request
}

// HasFlag reports whether flag was attached to the response.
func (r *Response) HasFlag(flag string) bool {
	if r == nil {
		return false
	}
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// String renders the response the way it appears in logs.
func (r *Response) String() string {
	if r == nil {
		return "<nil response>"
	}
	return "<" + http.StatusText(r.Status) + " " + r.URL + ">"
}

// Result is the tagged outcome of a fetch or a middleware stage. The zero value
// means "continue"; otherwise exactly one of Response or Request is set. A
// Request result asks the caller to schedule that request instead.
type Result struct {
	Response *Response
	Request  *Request
}

// FromResponse wraps a response as a Result.
func FromResponse(resp *Response) Result {
	return Result{Response: resp}
}

// FromRequest wraps a request as a Result.
func FromRequest(req *Request) Result {
	return Result{Request: req}
}

// IsZero reports whether the result carries nothing.
func (r Result) IsZero() bool {
	return r.Response == nil && r.Request == nil
}

// Valid reports whether exactly one of Response or Request is set.
func (r Result) Valid() bool {
	return (r.Response == nil) != (r.Request == nil)
}

// Kind describes the result for logs and error messages.
func (r Result) Kind() string {
	switch {
	case r.Response != nil && r.Request != nil:
		return "Response and Request"
	case r.Response != nil:
		return "Response"
	case r.Request != nil:
		return "Request"
	default:
		return "nothing"
	}
}

// Meta is the per-request annotation table. It is shared by the downloader and
// middleware for the lifetime of a request, so access is synchronized.
type Meta struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMeta returns an empty Meta.
func NewMeta() *Meta {
	return &Meta{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (m *Meta) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (m *Meta) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores value under key.
func (m *Meta) Set(key string, value any) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]any)
	}
	m.values[key] = value
}
