package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/fabian4/edge-homebrew-go/internal/model"
	"github.com/fabian4/edge-homebrew-go/internal/proxy"
)

// Recovery turns a handler panic into a 500. http.ErrAbortHandler is passed
// through so net/http can abort the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw, ok := w.(*responseWriter)
		if !ok {
			rw = &responseWriter{ResponseWriter: w}
		}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			slog.ErrorContext(r.Context(), "panic recovered",
				"error", v,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			if rw.status == 0 {
				http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// responseWriter records the status and size for the access log and runs
// onHeader once, right before the status line goes out.
type responseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	onHeader func(http.Header)
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	if w.onHeader != nil {
		w.onHeader(w.ResponseWriter.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *responseWriter) Flush() {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the connection.
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (g *Gateway) observe(r *http.Request, w *responseWriter, rq *request, d time.Duration) {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	host, route := "_", ""
	if rq.vh != nil && rq.vh.ServerName != "" {
		host = rq.vh.ServerName
	}
	if rq.route != nil {
		route = rq.route.Location
	}
	g.Metrics.ObserveRequest(host, route, r.Method, status, d)
	slog.Info("access",
		"request_id", rq.id,
		"bind", g.Bind,
		"remote", r.RemoteAddr,
		"method", r.Method,
		"host", r.Host,
		"path", r.URL.Path,
		"route", route,
		"upstream", rq.upstream,
		"status", status,
		"bytes", w.bytes,
		"duration_ms", d.Milliseconds(),
	)
}

// writeEngineError answers a proxy failure that happened before any bytes
// reached the client.
func writeEngineError(w *responseWriter, r *http.Request, err error, rt *model.Route) {
	status := http.StatusBadGateway
	var pe *proxy.Error
	if errors.As(err, &pe) {
		status = pe.Status()
		switch pe.Kind {
		case proxy.KindClientClosed:
			// nobody is listening; record the status only
			w.status = status
			return
		case proxy.KindBadRequest:
		default:
			slog.Warn("proxy error", "kind", pe.Kind.String(), "backend", pe.Backend, "error", pe.Err)
		}
	}
	writeError(w, r, status, rt)
}

// writeError writes status with the route's custom page when one applies:
// not_found_page for 404 and error_page when its status matches.
func writeError(w http.ResponseWriter, _ *http.Request, status int, rt *model.Route) {
	if rt != nil {
		if status == http.StatusNotFound && rt.NotFoundPage != nil {
			writePage(w, rt.NotFoundPage.Status, rt.NotFoundPage.Body)
			return
		}
		if rt.ErrorPage != nil && rt.ErrorPage.Status == status {
			writePage(w, status, rt.ErrorPage.Body)
			return
		}
	}
	text := http.StatusText(status)
	if text == "" {
		text = "status " + strconv.Itoa(status)
	}
	http.Error(w, text, status)
}

func writePage(w http.ResponseWriter, status int, body []byte) {
	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
