package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openoa/devserver/internal/state"
)

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// TargetResolver resolves dynamic target URLs (k8s://...) before probing.
type TargetResolver interface {
	Resolve(ctx context.Context, target *url.URL) (*url.URL, error)
}

// TargetStore provides access to the tracked proxy targets.
type TargetStore interface {
	All() []state.Target
	Update(rule, url string, fn func(*state.Target)) bool
}

// Checker periodically probes every proxy target and records reachability.
type Checker struct {
	store    TargetStore
	client   HTTPProber
	resolver TargetResolver
	interval time.Duration
	timeout  time.Duration
	path     string
	logger   *slog.Logger
}

// Options configures a Checker.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// Path, when set, is appended to each target and only 2xx responses
	// count as reachable. Without it any HTTP response counts.
	Path     string
	Resolver TargetResolver
}

// NewChecker creates a new target checker. If logger is nil, a no-op logger is used.
func NewChecker(store TargetStore, client HTTPProber, opts Options, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Checker{
		store:    store,
		client:   client,
		resolver: opts.Resolver,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		path:     opts.Path,
		logger:   logger,
	}
}

// Run starts the check loop. It performs an immediate check on start,
// then checks at the configured interval. It returns when ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every tracked target once, concurrently.
func (c *Checker) CheckAll(ctx context.Context) {
	targets := c.store.All()
	if len(targets) == 0 {
		return
	}

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, t := range targets {
		go func(t state.Target) {
			defer wg.Done()
			result := c.probeTarget(ctx, t.URL)
			c.store.Update(t.Rule, t.URL, func(tgt *state.Target) {
				c.applyResult(tgt, result)
			})
		}(t)
	}
	wg.Wait()

	c.logger.Debug("target check cycle complete",
		"targets", len(targets),
		"durationMs", time.Since(start).Milliseconds(),
	)
}

const maxErrorLen = 256

type probeResult struct {
	status         state.TargetStatus
	httpCode       *int
	responseTimeMs int64
	err            *string
	endpoints      *EndpointReadiness
}

func (c *Checker) probeTarget(ctx context.Context, rawURL string) probeResult {
	target, err := url.Parse(rawURL)
	if err != nil {
		return unreachable(err.Error(), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if target.Scheme != "k8s" {
		return c.probeHTTP(ctx, target)
	}
	if c.resolver == nil {
		return unreachable("no resolver configured for "+rawURL, 0)
	}

	readiness := c.endpointReadiness(ctx, target)
	var res probeResult
	if resolved, err := c.resolver.Resolve(ctx, target); err != nil {
		res = unreachable(err.Error(), 0)
	} else {
		res = c.probeHTTP(ctx, resolved)
	}
	res.endpoints = readiness
	res.status = CompositeStatus(res.status, readiness)
	if res.status == state.StatusDegraded && res.err == nil {
		msg := fmt.Sprintf("%d of %d endpoints ready", readiness.Ready, readiness.Total)
		res.err = &msg
	}
	return res
}

// endpointReadiness returns nil when the resolver cannot report readiness.
func (c *Checker) endpointReadiness(ctx context.Context, target *url.URL) *EndpointReadiness {
	reporter, ok := c.resolver.(ReadinessReporter)
	if !ok {
		return nil
	}
	ready, total, err := reporter.Readiness(ctx, target)
	if err != nil {
		c.logger.Debug("endpoint readiness unavailable", "target", target.String(), "error", err)
		return nil
	}
	return &EndpointReadiness{Ready: ready, Total: total}
}

func (c *Checker) probeHTTP(ctx context.Context, target *url.URL) probeResult {
	probeURL := *target
	switch probeURL.Scheme {
	case "ws":
		probeURL.Scheme = "http"
	case "wss":
		probeURL.Scheme = "https"
	}
	if c.path != "" {
		probeURL.Path = strings.TrimSuffix(probeURL.Path, "/") + c.path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return unreachable(err.Error(), 0)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	responseTimeMs := time.Since(start).Milliseconds()
	if err != nil {
		return unreachable(err.Error(), responseTimeMs)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	code := resp.StatusCode
	status := c.classifyStatus(code)

	var errMsg *string
	if status == state.StatusUnreachable {
		msg := "unexpected status " + http.StatusText(code)
		errMsg = &msg
	}

	return probeResult{
		status:         status,
		httpCode:       &code,
		responseTimeMs: responseTimeMs,
		err:            errMsg,
	}
}

// classifyStatus maps an HTTP status code to a TargetStatus. Without a
// health path any answer means the upstream is up; a 404 from "/" is normal
// for an API backend.
func (c *Checker) classifyStatus(code int) state.TargetStatus {
	if c.path == "" || (code >= 200 && code <= 299) {
		return state.StatusReachable
	}
	return state.StatusUnreachable
}

func unreachable(msg string, responseTimeMs int64) probeResult {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return probeResult{
		status:         state.StatusUnreachable,
		responseTimeMs: responseTimeMs,
		err:            &msg,
	}
}

// applyResult updates health fields on a target, preserving identity fields.
func (c *Checker) applyResult(t *state.Target, res probeResult) {
	previousStatus := t.Status

	t.Status = res.status
	t.HTTPCode = res.httpCode
	t.ResponseTimeMs = &res.responseTimeMs
	t.Error = res.err
	t.ReadyEndpoints, t.TotalEndpoints = nil, nil
	if res.endpoints != nil {
		ready, total := res.endpoints.Ready, res.endpoints.Total
		t.ReadyEndpoints, t.TotalEndpoints = &ready, &total
	}

	now := time.Now()
	t.LastChecked = &now

	if res.status != previousStatus {
		t.LastStateChange = &now
		logArgs := []any{
			"rule", t.Rule,
			"target", t.URL,
			"from", string(previousStatus),
			"to", string(res.status),
		}
		if res.err != nil {
			logArgs = append(logArgs, "error", *res.err)
		}
		if res.status != state.StatusReachable {
			c.logger.Warn("proxy target unreachable", logArgs...)
		} else {
			c.logger.Info("proxy target status changed", logArgs...)
		}
	}
}
