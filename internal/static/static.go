package static

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fabian4/edge-homebrew-go/internal/model"
)

// Handler serves files under route.Root for requests below location. The
// location prefix is stripped: with location "/assets" and root "./public",
// "/assets/app.js" serves "./public/app.js".
//
// Directories are answered with the first existing index file; without one
// they are listed when AutoIndex is set. Everything else that cannot be
// served goes to notFound, so custom pages apply.
func Handler(location string, route *model.StaticRoute, notFound http.Handler) http.Handler {
	h := &handler{
		root:     route.Root,
		index:    route.Index,
		auto:     route.AutoIndex,
		files:    http.FileServer(http.Dir(route.Root)),
		notFound: notFound,
	}
	prefix := strings.TrimSuffix(location, "/")
	if prefix == "" {
		return h
	}
	return http.StripPrefix(prefix, h)
}

type handler struct {
	root     string
	index    []string
	auto     bool
	files    http.Handler
	notFound http.Handler
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	upath := r.URL.Path
	if !strings.HasPrefix(upath, "/") {
		upath = "/" + upath
	}
	name := filepath.Join(h.root, filepath.FromSlash(path.Clean(upath)))
	st, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			h.notFound.ServeHTTP(w, r)
			return
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !st.IsDir() {
		h.files.ServeHTTP(w, withPath(r, upath))
		return
	}
	if !strings.HasSuffix(upath, "/") {
		// same redirect http.FileServer issues for directories
		http.Redirect(w, r, path.Base(upath)+"/", http.StatusMovedPermanently)
		return
	}
	for _, idx := range h.index {
		f, err := os.Open(filepath.Join(name, idx))
		if err != nil {
			continue
		}
		fi, err := f.Stat()
		if err != nil || fi.IsDir() {
			_ = f.Close()
			continue
		}
		http.ServeContent(w, r, idx, fi.ModTime(), f)
		_ = f.Close()
		return
	}
	if !h.auto {
		h.notFound.ServeHTTP(w, r)
		return
	}
	h.files.ServeHTTP(w, withPath(r, upath))
}

func withPath(r *http.Request, p string) *http.Request {
	if r.URL.Path == p {
		return r
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = p
	r2.URL.RawPath = ""
	return r2
}
