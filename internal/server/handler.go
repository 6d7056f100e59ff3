package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openoa/devserver/internal/config"
)

// InternalPrefix is reserved for the dev server's own endpoints and is never proxied.
const InternalPrefix = "/__devserver/"

// NewFrontend builds the handler for requests that match no proxy rule.
// With an upstream configured every request is forwarded there unchanged;
// otherwise built assets are served from root under the public base path.
func NewFrontend(cfg config.ServerConfig, plugins []Plugin, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var h http.Handler
	if cfg.Upstream != "" {
		upstream, err := NewDevProxyHandler(cfg.Upstream, logger)
		if err != nil {
			return nil, err
		}
		h = upstream
	} else {
		spa, err := NewSPAHandler(os.DirFS(cfg.Root), ".")
		if err != nil {
			return nil, err
		}
		if !spa.HasIndex() {
			logger.Warn("asset root has no index.html", "root", cfg.Root)
		}
		h = spa
	}

	h, err := ApplyPlugins(h, plugins)
	if err != nil {
		return nil, fmt.Errorf("failed to apply plugins: %w", err)
	}

	// The upstream dev server applies the base path itself.
	if cfg.Upstream != "" {
		return h, nil
	}
	return NewBasePathHandler(cfg.Base, h), nil
}

// Internal holds the handlers served under InternalPrefix. Nil fields are not routed.
type Internal struct {
	Metrics prometheus.Gatherer
	Status  http.Handler
	Events  http.Handler
}

// NewHandler routes internal endpoints and sends everything else to app,
// with request logging around both.
func NewHandler(app http.Handler, internal Internal, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+InternalPrefix+"healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	if internal.Metrics != nil {
		mux.Handle("GET "+InternalPrefix+"metrics", promhttp.HandlerFor(internal.Metrics, promhttp.HandlerOpts{}))
	}
	if internal.Status != nil {
		mux.Handle("GET "+InternalPrefix+"status", internal.Status)
	}
	if internal.Events != nil {
		mux.Handle("GET "+InternalPrefix+"events", internal.Events)
	}
	mux.Handle(InternalPrefix, http.NotFoundHandler())
	mux.Handle("/", app)

	return RequestLogger(logger)(mux)
}
