// Package script defines the boundary to an embedded request-scripting
// engine. No engine ships with the server; routes with lua_script answer 501
// until one is installed.
package script

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/fabian4/edge-homebrew-go/internal/model"
)

// RequestView is the read-only request a script sees.
type RequestView struct {
	Method     string
	Host       string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Mutations is what a script asks the server to answer with. A non-empty
// RedirectURL wins over Status and Body.
type Mutations struct {
	Status         int // 0 means 200
	Header         http.Header
	Body           []byte
	RedirectURL    string
	RedirectStatus int // 0 means 302
}

// Engine runs the script at path against req.
type Engine interface {
	Execute(ctx context.Context, path string, req RequestView) (Mutations, error)
}

// Invalidator is implemented by engines that cache compiled scripts. Routes
// with lua_code_cache disabled invalidate before every run.
type Invalidator interface {
	Invalidate(path string)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, path string, req RequestView) (Mutations, error)

func (f EngineFunc) Execute(ctx context.Context, path string, req RequestView) (Mutations, error) {
	return f(ctx, path, req)
}

// MaxBody bounds the request body handed to a script.
const MaxBody = 10 << 20

var ErrNoEngine = errors.New("script: no engine installed")

// Handler runs route through engine. engine may be nil.
func Handler(engine Engine, route *model.ScriptRoute) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBody))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if inv, ok := engine.(Invalidator); ok && !route.Cache {
			inv.Invalidate(route.Path)
		}
		m, err := engine.Execute(r.Context(), route.Path, RequestView{
			Method:     r.Method,
			Host:       r.Host,
			Path:       r.URL.Path,
			Query:      r.URL.Query(),
			Header:     r.Header.Clone(),
			Body:       body,
			RemoteAddr: r.RemoteAddr,
		})
		if err != nil {
			slog.Error("script failed", "script", route.Path, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		for k, vv := range m.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		if m.RedirectURL != "" {
			code := m.RedirectStatus
			if code == 0 {
				code = http.StatusFound
			}
			http.Redirect(w, r, m.RedirectURL, code)
			return
		}
		status := m.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(m.Body)
	})
}
