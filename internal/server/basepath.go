package server

import (
	"net/http"
	"strings"
)

// NormalizeBasePath ensures the base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}

// BasePathHandler publishes the front-end under a public base path.
// Requests below the base have it stripped before reaching the inner handler.
// The site root redirects to the base; any other path outside it is a 404.
type BasePathHandler struct {
	basePath string
	inner    http.Handler
}

// NewBasePathHandler wraps inner so it is served under basePath.
// If basePath is "/", inner is returned unchanged.
func NewBasePathHandler(basePath string, inner http.Handler) http.Handler {
	bp := NormalizeBasePath(basePath)
	if bp == "/" {
		return inner
	}
	return &BasePathHandler{
		basePath: bp,
		inner:    inner,
	}
}

func (h *BasePathHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var stripped string
	switch {
	case strings.HasPrefix(r.URL.Path, h.basePath):
		stripped = "/" + strings.TrimPrefix(r.URL.Path, h.basePath)
	case r.URL.Path+"/" == h.basePath:
		stripped = "/"
	case r.URL.Path == "/" || r.URL.Path == "/index.html":
		http.Redirect(w, r, h.basePath, http.StatusFound)
		return
	default:
		http.Error(w, "not found under base path "+h.basePath, http.StatusNotFound)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = stripped
	r2.URL.RawPath = ""
	h.inner.ServeHTTP(w, r2)
}
