package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/fabian4/edge-homebrew-go/internal/model"
)

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	te := h.Get("Te") == "trailers"
	for _, k := range hopByHop {
		h.Del(k)
	}
	if te {
		h.Set("Te", "trailers")
	}
}

// forwardExcluded are the request and response headers a forward proxy route
// never relays.
var forwardExcluded = []string{
	"Host",
	"Connection",
	"Proxy-Authenticate",
	"Upgrade",
	"Proxy-Authorization",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
}

func dropForwardExcluded(h http.Header) {
	for _, k := range forwardExcluded {
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

// backendHost is the Host header for a backend, without the scheme's default port.
func backendHost(b model.BackendAddress) string {
	if (b.Scheme == "http" && b.Port == 80) || (b.Scheme == "https" && b.Port == 443) {
		if strings.Contains(b.Host, ":") {
			return "[" + b.Host + "]"
		}
		return b.Host
	}
	return b.HostPort()
}
