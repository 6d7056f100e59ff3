package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/openoa/devserver/internal/config"
)

func TestBuildPlugins(t *testing.T) {
	plugins, err := BuildPlugins([]config.PluginConfig{
		{Name: config.PluginCORS, Options: map[string]string{"origin": "http://localhost:3000"}},
		{Name: config.PluginVue},
	})
	if err != nil {
		t.Fatalf("BuildPlugins: %v", err)
	}
	if len(plugins) != 2 || plugins[0].Name() != "cors" || plugins[1].Name() != "vue" {
		t.Fatalf("unexpected plugins: %v", plugins)
	}
}

func TestBuildPluginsErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.PluginConfig
		wantErr string
	}{
		{name: "unknown plugin", cfg: config.PluginConfig{Name: "react"}, wantErr: `unknown plugin "react"`},
		{name: "vue takes no options", cfg: config.PluginConfig{Name: "vue", Options: map[string]string{"jsx": "true"}}, wantErr: `unknown option "jsx"`},
		{name: "cors unknown option", cfg: config.PluginConfig{Name: "cors", Options: map[string]string{"credentials": "true"}}, wantErr: `unknown option "credentials"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPlugins([]config.PluginConfig{tt.cfg})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

type tagPlugin string

func (p tagPlugin) Name() string { return string(p) }

func (p tagPlugin) Wrap(next http.Handler) (http.Handler, error) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("X-Order", string(p))
		next.ServeHTTP(w, r)
	}), nil
}

func TestApplyPluginsFirstIsOutermost(t *testing.T) {
	h, err := ApplyPlugins(http.NotFoundHandler(), []Plugin{tagPlugin("a"), tagPlugin("b"), tagPlugin("c")})
	if err != nil {
		t.Fatalf("ApplyPlugins: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(rec.Header().Values("X-Order"), ","); got != "a,b,c" {
		t.Errorf("order = %q, want a,b,c", got)
	}
}

func TestVuePlugin(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		accept   string
		wantPath string
		wantType string
	}{
		{name: "html navigation rewritten", method: http.MethodGet, path: "/flow/designer", accept: "text/html,application/xhtml+xml", wantPath: "/"},
		{name: "fetch without html accept untouched", method: http.MethodGet, path: "/flow/designer", accept: "application/json", wantPath: "/flow/designer"},
		{name: "post untouched", method: http.MethodPost, path: "/flow/designer", accept: "text/html", wantPath: "/flow/designer"},
		{name: "asset untouched", method: http.MethodGet, path: "/assets/app.css", accept: "text/html", wantPath: "/assets/app.css"},
		{name: "sfc served as javascript", method: http.MethodGet, path: "/src/App.vue", wantPath: "/src/App.vue", wantType: "text/javascript; charset=utf-8"},
		{name: "module served as javascript", method: http.MethodGet, path: "/src/main.mjs", wantPath: "/src/main.mjs", wantType: "text/javascript; charset=utf-8"},
	}

	p, err := newVuePlugin(nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := p.Wrap(echoPath())
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Body.String() != tt.wantPath {
				t.Errorf("inner saw %q, want %q", rec.Body.String(), tt.wantPath)
			}
			if tt.wantType != "" && rec.Header().Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.wantType)
			}
		})
	}
}

func TestVuePluginServesSFCThroughFileServer(t *testing.T) {
	spa, err := NewSPAHandler(fstest.MapFS{
		"index.html":  {Data: []byte("<html></html>")},
		"src/App.vue": {Data: []byte("<template><div/></template>")},
	}, ".")
	if err != nil {
		t.Fatal(err)
	}
	p, _ := newVuePlugin(nil)
	h, err := p.Wrap(spa)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/src/App.vue", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/javascript; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/javascript", got)
	}
}

func TestCORSPlugin(t *testing.T) {
	tests := []struct {
		name        string
		options     map[string]string
		method      string
		reqHeaders  map[string]string
		wantCode    int
		wantOrigin  string
		wantHeaders string
		wantVary    bool
		wantInner   bool
	}{
		{
			name:       "simple request default origin",
			method:     http.MethodGet,
			wantCode:   http.StatusOK,
			wantOrigin: "*",
			wantInner:  true,
		},
		{
			name:       "configured origin varies",
			options:    map[string]string{"origin": "http://localhost:3000"},
			method:     http.MethodGet,
			wantCode:   http.StatusOK,
			wantOrigin: "http://localhost:3000",
			wantVary:   true,
			wantInner:  true,
		},
		{
			name:   "preflight answered",
			method: http.MethodOptions,
			reqHeaders: map[string]string{
				"Access-Control-Request-Method":  "POST",
				"Access-Control-Request-Headers": "X-Token",
			},
			wantCode:    http.StatusNoContent,
			wantOrigin:  "*",
			wantHeaders: "X-Token",
		},
		{
			name:    "preflight with configured headers",
			options: map[string]string{"headers": "Content-Type"},
			method:  http.MethodOptions,
			reqHeaders: map[string]string{
				"Access-Control-Request-Method":  "PUT",
				"Access-Control-Request-Headers": "X-Token",
			},
			wantCode:    http.StatusNoContent,
			wantOrigin:  "*",
			wantHeaders: "Content-Type",
		},
		{
			name:       "plain options passes through",
			method:     http.MethodOptions,
			wantCode:   http.StatusOK,
			wantOrigin: "*",
			wantInner:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newCORSPlugin(tt.options)
			if err != nil {
				t.Fatal(err)
			}
			innerCalled := false
			h, err := p.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				innerCalled = true
			}))
			if err != nil {
				t.Fatal(err)
			}

			req := httptest.NewRequest(tt.method, "/", nil)
			for k, v := range tt.reqHeaders {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.wantHeaders != "" && rec.Header().Get("Access-Control-Allow-Headers") != tt.wantHeaders {
				t.Errorf("Allow-Headers = %q, want %q", rec.Header().Get("Access-Control-Allow-Headers"), tt.wantHeaders)
			}
			if got := rec.Header().Get("Vary") == "Origin"; got != tt.wantVary {
				t.Errorf("Vary Origin = %v, want %v", got, tt.wantVary)
			}
			if innerCalled != tt.wantInner {
				t.Errorf("inner called = %v, want %v", innerCalled, tt.wantInner)
			}
		})
	}
}
