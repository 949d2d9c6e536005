package server

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed web/index.html web/static
var webFS embed.FS

// Index handles GET / by returning the upload page.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	page, err := webFS.ReadFile("web/index.html")
	if err != nil {
		h.internalError(r.Context(), w, "failed to read index page", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

// Static serves the page's assets under /static/.
func (h *Handlers) Static() http.Handler {
	sub, err := fs.Sub(webFS, "web/static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}
