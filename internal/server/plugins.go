package server

import (
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/openoa/devserver/internal/config"
)

// Plugin decorates the front-end handler.
type Plugin interface {
	Name() string
	Wrap(next http.Handler) (http.Handler, error)
}

type pluginFactory func(options map[string]string) (Plugin, error)

var builtinPlugins = map[string]pluginFactory{
	config.PluginVue:  newVuePlugin,
	config.PluginCORS: newCORSPlugin,
}

// BuildPlugins instantiates the configured plugin activations in order.
func BuildPlugins(activations []config.PluginConfig) ([]Plugin, error) {
	plugins := make([]Plugin, 0, len(activations))
	for _, a := range activations {
		factory, ok := builtinPlugins[a.Name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", a.Name)
		}
		p, err := factory(a.Options)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", a.Name, err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

// ApplyPlugins wraps h so that the first plugin is the outermost handler.
func ApplyPlugins(h http.Handler, plugins []Plugin) (http.Handler, error) {
	for _, p := range slices.Backward(plugins) {
		wrapped, err := p.Wrap(h)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", p.Name(), err)
		}
		h = wrapped
	}
	return h, nil
}

func checkOptions(options map[string]string, allowed ...string) error {
	for k := range options {
		if !slices.Contains(allowed, k) {
			return fmt.Errorf("unknown option %q", k)
		}
	}
	return nil
}

// vuePlugin rewrites HTML navigations to the app entry point and serves
// single-file components and ES modules as JavaScript.
type vuePlugin struct{}

func newVuePlugin(options map[string]string) (Plugin, error) {
	if err := checkOptions(options); err != nil {
		return nil, err
	}
	return vuePlugin{}, nil
}

func (vuePlugin) Name() string { return config.PluginVue }

func (vuePlugin) Wrap(next http.Handler) (http.Handler, error) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch path.Ext(r.URL.Path) {
		case ".vue", ".mjs":
			w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		case "":
			if isHTMLNavigation(r) && r.URL.Path != "/" {
				r2 := r.Clone(r.Context())
				r2.URL.Path = "/"
				r2.URL.RawPath = ""
				next.ServeHTTP(w, r2)
				return
			}
		}
		next.ServeHTTP(w, r)
	}), nil
}

func isHTMLNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

const (
	corsDefaultMethods = "GET, HEAD, PUT, PATCH, POST, DELETE, OPTIONS"
	corsDefaultHeaders = "Content-Type, Authorization, X-Request-Id"
)

// corsPlugin answers preflights and sets permissive CORS headers.
type corsPlugin struct {
	origin  string
	methods string
	headers string
}

func newCORSPlugin(options map[string]string) (Plugin, error) {
	if err := checkOptions(options, "origin", "methods", "headers"); err != nil {
		return nil, err
	}
	p := corsPlugin{origin: "*", methods: corsDefaultMethods, headers: corsDefaultHeaders}
	if v := strings.TrimSpace(options["origin"]); v != "" {
		p.origin = v
	}
	if v := strings.TrimSpace(options["methods"]); v != "" {
		p.methods = v
	}
	if v := strings.TrimSpace(options["headers"]); v != "" {
		p.headers = v
	}
	return p, nil
}

func (corsPlugin) Name() string { return config.PluginCORS }

func (p corsPlugin) Wrap(next http.Handler) (http.Handler, error) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", p.origin)
		if p.origin != "*" {
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", p.methods)
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" && p.headers == corsDefaultHeaders {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			} else {
				h.Set("Access-Control-Allow-Headers", p.headers)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	}), nil
}
