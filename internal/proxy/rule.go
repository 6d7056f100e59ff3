package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/openoa/devserver/internal/config"
)

// SchemeK8s marks targets resolved through a TargetResolver on every request.
const SchemeK8s = "k8s"

// Rule is a compiled proxy rule. A Rule is immutable once built.
type Rule struct {
	// Context is the configured key: a literal path prefix, or a regular
	// expression when it starts with '^'.
	Context      string
	Target       *url.URL
	ChangeOrigin bool
	WS           bool
	XFwd         bool
	Insecure     bool
	Timeout      time.Duration

	headers   map[string]string
	pattern   *regexp.Regexp
	rewrite   RewriteFunc
	transport *http.Transport
	proxy     *httputil.ReverseProxy
}

type (
	resolvedTargetKey struct{}
	outcomeKey        struct{}
)

// outcome carries the upstream error, if any, back from the reverse proxy's
// error handler to the Router.
type outcome struct {
	err error
}

// NewRule compiles the configured rule stored under key ctxKey.
func NewRule(ctxKey string, rc config.ProxyRule) (*Rule, error) {
	r := &Rule{
		Context:      ctxKey,
		ChangeOrigin: rc.ChangeOrigin,
		WS:           rc.WS,
		XFwd:         rc.XFwd,
		Insecure:     !rc.VerifyTLS(),
		headers:      maps.Clone(rc.Headers),
		rewrite:      identity,
	}

	switch {
	case strings.HasPrefix(ctxKey, "^"):
		re, err := regexp.Compile(ctxKey)
		if err != nil {
			return nil, fmt.Errorf("invalid context pattern %q: %w", ctxKey, err)
		}
		r.pattern = re
	case strings.HasPrefix(ctxKey, "/"):
	default:
		return nil, fmt.Errorf("context %q must start with '/' or '^'", ctxKey)
	}

	target, err := parseTarget(rc.Target)
	if err != nil {
		return nil, err
	}
	r.Target = target

	switch {
	case rc.Rewrite != nil:
		fn, err := ReplaceFirst(rc.Rewrite.From, rc.Rewrite.To)
		if err != nil {
			return nil, err
		}
		r.rewrite = fn
	case rc.StripPrefix:
		if r.pattern != nil {
			return nil, errors.New("stripPrefix requires a literal prefix context")
		}
		r.rewrite = StripPrefix(ctxKey)
	}

	if rc.Timeout != "" {
		d, err := time.ParseDuration(rc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", rc.Timeout, err)
		}
		r.Timeout = d
	}

	r.transport = newTransport(r.Insecure, r.Timeout)
	r.proxy = &httputil.ReverseProxy{
		Rewrite:      r.rewriteRequest,
		Transport:    r.transport,
		ErrorHandler: recordError,
	}
	return r, nil
}

// parseTarget validates a target URL. ws and wss targets are dialed as
// http and https; the upgrade itself is negotiated by the reverse proxy.
func parseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("target is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case SchemeK8s:
	default:
		return nil, fmt.Errorf("%w %q in %q", ErrUnsupportedScheme, u.Scheme, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in target %q", raw)
	}
	return u, nil
}

func newTransport(insecure bool, timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if timeout > 0 {
		t.ResponseHeaderTimeout = timeout
	}
	return t
}

// Matches reports whether the request path falls under this rule.
func (r *Rule) Matches(path string) bool {
	if r.pattern != nil {
		return r.pattern.MatchString(path)
	}
	return strings.HasPrefix(path, r.Context)
}

// Dynamic reports whether the target must be resolved per request.
func (r *Rule) Dynamic() bool {
	return r.Target.Scheme == SchemeK8s
}

// RewritePath applies the rule's rewrite and returns a path suitable for
// the outbound request.
func (r *Rule) RewritePath(path string) string {
	return normalizePath(r.rewrite(path))
}

// Headers returns a copy of the extra headers set on outbound requests.
func (r *Rule) Headers() map[string]string {
	return maps.Clone(r.headers)
}

func (r *Rule) rewriteRequest(pr *httputil.ProxyRequest) {
	target := r.Target
	if resolved, ok := pr.In.Context().Value(resolvedTargetKey{}).(*url.URL); ok {
		target = resolved
	}

	// Rewrite the escaped form so encoded characters such as %2F reach the
	// upstream as sent.
	escaped := r.RewritePath(pr.In.URL.EscapedPath())
	if unescaped, err := url.PathUnescape(escaped); err == nil {
		pr.Out.URL.Path = unescaped
		pr.Out.URL.RawPath = escaped
	} else {
		pr.Out.URL.Path = r.RewritePath(pr.In.URL.Path)
		pr.Out.URL.RawPath = ""
	}
	pr.SetURL(target)

	// SetURL clears Out.Host so the target host is sent; keep the client's
	// Host unless the rule asks for the origin to change.
	if !r.ChangeOrigin {
		pr.Out.Host = pr.In.Host
	}
	if r.XFwd {
		pr.SetXForwarded()
	}
	for k, v := range r.headers {
		pr.Out.Header.Set(k, v)
	}
}

func (r *Rule) closeIdleConnections() {
	r.transport.CloseIdleConnections()
}

func recordError(w http.ResponseWriter, req *http.Request, err error) {
	if o, ok := req.Context().Value(outcomeKey{}).(*outcome); ok {
		o.err = err
	}
	w.WriteHeader(http.StatusBadGateway)
}

func withOutcome(ctx context.Context, o *outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, o)
}

func withResolvedTarget(ctx context.Context, u *url.URL) context.Context {
	return context.WithValue(ctx, resolvedTargetKey{}, u)
}
