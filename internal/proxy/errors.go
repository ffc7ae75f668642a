package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindConnectTimeout Kind = iota + 1
	KindConnectRefused
	KindUpstreamReadTimeout
	KindUpstreamProtocolError
	KindBodyTooLarge
	KindNoBackendsAvailable
	KindBadRequest
	KindClientClosed // client went away before the response started
)

func (k Kind) String() string {
	switch k {
	case KindConnectTimeout:
		return "connect_timeout"
	case KindConnectRefused:
		return "connect_refused"
	case KindUpstreamReadTimeout:
		return "upstream_read_timeout"
	case KindUpstreamProtocolError:
		return "upstream_protocol_error"
	case KindBodyTooLarge:
		return "body_too_large"
	case KindNoBackendsAvailable:
		return "no_backends_available"
	case KindBadRequest:
		return "bad_request"
	case KindClientClosed:
		return "client_closed"
	}
	return "unknown"
}

// StatusClientClosed is logged for requests abandoned by the client. Nothing
// reaches the client, the number only appears in logs and metrics.
const StatusClientClosed = 499

// Status maps a failure kind to the response status.
func (k Kind) Status() int {
	switch k {
	case KindConnectTimeout, KindUpstreamReadTimeout:
		return http.StatusGatewayTimeout
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBadRequest:
		return http.StatusBadRequest
	case KindClientClosed:
		return StatusClientClosed
	default:
		return http.StatusBadGateway
	}
}

// Error is returned by the engine when a request failed before any response
// byte was written. The caller owns writing the error response.
type Error struct {
	Kind    Kind
	Backend string // empty when no backend was picked
	Err     error
}

func (e *Error) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("proxy: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("proxy: %s: %s: %v", e.Kind, e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Status() int { return e.Kind.Status() }

var errBodyTooLarge = errors.New("request body exceeds max_body_size")

// classify maps a transport error to a kind. timedOut reports whether the
// proxy deadline fired; connected whether a connection was obtained.
func classify(err error, timedOut, connected, clientGone bool) Kind {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return KindBodyTooLarge
	case timedOut && !connected:
		return KindConnectTimeout
	case timedOut:
		return KindUpstreamReadTimeout
	case clientGone:
		return KindClientClosed
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectRefused
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if connected {
			return KindUpstreamReadTimeout
		}
		return KindConnectTimeout
	}
	return KindUpstreamProtocolError
}
