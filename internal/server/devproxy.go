package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewDevProxyHandler forwards every request to a running front-end dev
// server, keeping its hot-module-reload socket working through the proxy.
func NewDevProxyHandler(target string, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream %q: unsupported scheme %q", target, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: missing host", target)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("front-end upstream unavailable",
				"upstream", u.String(),
				"path", r.URL.Path,
				"error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}
