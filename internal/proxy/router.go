package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Router forwards requests matching a proxy rule and hands everything else
// to a fallback handler. The rule table can be swapped while serving.
type Router struct {
	table    atomic.Pointer[Table]
	fallback http.Handler
	resolver TargetResolver
	metrics  *Metrics
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger used for proxy errors.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) RouterOption {
	return func(rt *Router) {
		if m != nil {
			rt.metrics = m
		}
	}
}

// WithResolver sets the resolver used for dynamic targets.
func WithResolver(r TargetResolver) RouterOption {
	return func(rt *Router) {
		rt.resolver = r
	}
}

// NewRouter creates a Router serving table. A nil fallback responds 404.
func NewRouter(table *Table, fallback http.Handler, opts ...RouterOption) *Router {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	rt := &Router{
		fallback: fallback,
		metrics:  NewMetrics(nil),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if table == nil {
		table = &Table{}
	}
	rt.table.Store(table)
	return rt
}

// Table returns the table currently in use.
func (rt *Router) Table() *Table {
	return rt.table.Load()
}

// Swap installs table for all subsequent requests. Requests already in
// flight finish against the table they started with. Idle upstream
// connections held by the previous table are released.
func (rt *Router) Swap(table *Table) {
	if table == nil {
		table = &Table{}
	}
	old := rt.table.Swap(table)
	old.closeIdleConnections()
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rule := rt.table.Load().Match(r.URL.Path)
	if rule == nil {
		rt.fallback.ServeHTTP(w, r)
		return
	}

	upgrade := isUpgrade(r)
	if upgrade && !rule.WS {
		http.Error(w, "websocket proxying is not enabled for "+rule.Context, http.StatusBadRequest)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	o := &outcome{}
	ctx := withOutcome(r.Context(), o)

	if rule.Dynamic() {
		target, err := ResolveTarget(ctx, rt.resolver, rule)
		if err != nil {
			rt.fail(rec, r, rule, err)
			rt.metrics.observe(rule.Context, rec.code(upgrade), time.Since(start))
			return
		}
		ctx = withResolvedTarget(ctx, target)
	}

	rule.proxy.ServeHTTP(rec, r.WithContext(ctx))

	if o.err != nil {
		rt.logError(r, rule, o.err)
	}
	rt.metrics.observe(rule.Context, rec.code(upgrade), time.Since(start))
}

func (rt *Router) fail(w http.ResponseWriter, r *http.Request, rule *Rule, err error) {
	rt.logError(r, rule, err)
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func (rt *Router) logError(r *http.Request, rule *Rule, err error) {
	if errors.Is(err, context.Canceled) {
		rt.logger.Debug("proxy request cancelled by client", "rule", rule.Context, "path", r.URL.Path)
		return
	}
	rt.metrics.recordError(rule.Context)
	rt.logger.Warn("proxy error",
		"rule", rule.Context,
		"method", r.Method,
		"path", r.URL.Path,
		"target", rule.Target.String(),
		"error", err,
	)
}

func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// statusRecorder captures the response status. Unwrap lets
// http.ResponseController reach the underlying writer for Hijack and Flush,
// which upgrades and streaming responses depend on.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// code returns the recorded status. Upgraded connections are hijacked
// without a WriteHeader call, so they report 101.
func (s *statusRecorder) code(upgrade bool) int {
	switch {
	case s.status != 0:
		return s.status
	case upgrade:
		return http.StatusSwitchingProtocols
	default:
		return http.StatusOK
	}
}
