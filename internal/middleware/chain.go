package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// Middleware is a named chain component. It takes part in the phases whose
// processor interfaces it implements.
type Middleware interface {
	Name() string
}

// RequestProcessor sees requests on their way to the transport. Returning a
// Response or Request short-circuits the fetch.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *crawler.Request, spider crawler.Spider) (crawler.Result, error)
}

// ResponseProcessor post-processes responses. It must return a Response or a
// Request; a Request ends the chain.
type ResponseProcessor interface {
	ProcessResponse(ctx context.Context, req *crawler.Request, resp *crawler.Response, spider crawler.Spider) (crawler.Result, error)
}

// ExceptionProcessor may recover a failed fetch by returning a Response or
// Request. A zero result passes the failure to the next handler.
type ExceptionProcessor interface {
	ProcessException(ctx context.Context, req *crawler.Request, err error, spider crawler.Spider) (crawler.Result, error)
}

// FetchFunc is the terminal step of the chain.
type FetchFunc func(ctx context.Context, req *crawler.Request, spider crawler.Spider) (*crawler.Response, error)

type requestHandler struct {
	name string
	fn   RequestProcessor
}

type responseHandler struct {
	name string
	fn   ResponseProcessor
}

type exceptionHandler struct {
	name string
	fn   ExceptionProcessor
}

// Manager holds the assembled handler lists.
type Manager struct {
	logger     *zap.Logger
	names      []string
	requests   []requestHandler
	responses  []responseHandler
	exceptions []exceptionHandler
}

// NewManager assembles the chain from mws in order.
func NewManager(logger *zap.Logger, mws ...Middleware) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	for _, mw := range mws {
		if mw == nil {
			continue
		}
		name := mw.Name()
		m.names = append(m.names, name)
		if p, ok := mw.(RequestProcessor); ok {
			m.requests = append(m.requests, requestHandler{name: name, fn: p})
		}
		if p, ok := mw.(ResponseProcessor); ok {
			m.responses = append([]responseHandler{{name: name, fn: p}}, m.responses...)
		}
		if p, ok := mw.(ExceptionProcessor); ok {
			m.exceptions = append([]exceptionHandler{{name: name, fn: p}}, m.exceptions...)
		}
	}
	logger.Info("enabled downloader middlewares", zap.Strings("middlewares", m.names))
	return m
}

// Names returns the enabled middlewares in configured order.
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

// Download runs req through the chain, calling fetch unless a request handler
// short-circuits. The result is a Response, or a Request the caller should
// schedule instead.
func (m *Manager) Download(ctx context.Context, fetch FetchFunc, req *crawler.Request, spider crawler.Spider) (crawler.Result, error) {
	res, err := m.processRequest(ctx, fetch, req, spider)
	if err != nil {
		res, err = m.processException(ctx, req, err, spider)
		if err != nil {
			return crawler.Result{}, err
		}
	}
	if res.Request != nil {
		return res, nil
	}
	return m.processResponse(ctx, req, res.Response, spider)
}

func (m *Manager) processRequest(ctx context.Context, fetch FetchFunc, req *crawler.Request, spider crawler.Spider) (crawler.Result, error) {
	for _, h := range m.requests {
		res, err := h.fn.ProcessRequest(ctx, req, spider)
		if err != nil {
			return crawler.Result{}, err
		}
		if res.IsZero() {
			continue
		}
		if !res.Valid() {
			return crawler.Result{}, &InvalidOutputError{Middleware: h.name, Phase: PhaseRequest, Got: res.Kind()}
		}
		m.logger.Debug("request short-circuited",
			zap.String("middleware", h.name),
			zap.String("request", req.String()),
			zap.String("result", res.Kind()),
		)
		return res, nil
	}
	resp, err := fetch(ctx, req, spider)
	if err != nil {
		return crawler.Result{}, err
	}
	if resp == nil {
		return crawler.Result{}, fmt.Errorf("download %s: transport returned no response", req)
	}
	return crawler.FromResponse(resp), nil
}

// processException returns the original failure when no handler recovers it.
// Request-phase contract violations are offered to handlers like any other
// failure.
func (m *Manager) processException(ctx context.Context, req *crawler.Request, cause error, spider crawler.Spider) (crawler.Result, error) {
	for _, h := range m.exceptions {
		res, err := h.fn.ProcessException(ctx, req, cause, spider)
		if err != nil {
			return crawler.Result{}, err
		}
		if res.IsZero() {
			continue
		}
		if !res.Valid() {
			return crawler.Result{}, &InvalidOutputError{Middleware: h.name, Phase: PhaseException, Got: res.Kind()}
		}
		m.logger.Debug("exception recovered",
			zap.String("middleware", h.name),
			zap.String("request", req.String()),
			zap.Error(cause),
		)
		return res, nil
	}
	return crawler.Result{}, cause
}

func (m *Manager) processResponse(ctx context.Context, req *crawler.Request, resp *crawler.Response, spider crawler.Spider) (crawler.Result, error) {
	for _, h := range m.responses {
		res, err := h.fn.ProcessResponse(ctx, req, resp, spider)
		if err != nil {
			return crawler.Result{}, err
		}
		if !res.Valid() {
			return crawler.Result{}, &InvalidOutputError{Middleware: h.name, Phase: PhaseResponse, Got: res.Kind()}
		}
		if res.Request != nil {
			return res, nil
		}
		resp = res.Response
	}
	return crawler.FromResponse(resp), nil
}
