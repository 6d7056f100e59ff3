package server

import (
	"fmt"
	"io/fs"
	"net/http"
	"path"
)

// SPAHandler serves built front-end assets and falls back to index.html for
// extensionless paths that miss, so client-side routes survive a reload.
// Missing paths with an extension are real asset requests and return 404.
type SPAHandler struct {
	fileServer http.Handler
	filesystem fs.FS
}

// NewSPAHandler serves files from dir inside fsys. Pass "." to serve fsys as is.
func NewSPAHandler(fsys fs.FS, dir string) (*SPAHandler, error) {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset directory %q: %w", dir, err)
	}
	return &SPAHandler{
		fileServer: http.FileServer(http.FS(sub)),
		filesystem: sub,
	}, nil
}

// HasIndex reports whether the asset directory contains index.html.
func (h *SPAHandler) HasIndex() bool {
	_, err := fs.Stat(h.filesystem, "index.html")
	return err == nil
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	if _, err := fs.Stat(h.filesystem, urlPath[1:]); err == nil {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// r.URL.Path is already decoded, so %2Ecss counts as an extension.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	r2.URL.RawPath = ""
	h.fileServer.ServeHTTP(w, r2)
}
