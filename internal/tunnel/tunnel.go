// Package tunnel provides the broker-side listeners. Each listener accepts
// byte-stream tunnels from devices and reports a scheme-qualified client URL
// per tunnel; that URL is the session's identity.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
)

const (
	SchemeTCP = "tcp"
	SchemeUDP = "udp"
	SchemeWS  = "ws"
)

// ErrUnsupportedScheme is returned by Listen for URL schemes the broker
// does not speak.
var ErrUnsupportedScheme = errors.New("tunnel: unsupported url scheme")

// Listener accepts device tunnels on one transport endpoint.
type Listener interface {
	// Accept blocks until a tunnel is established or the listener closes.
	// The returned URL is the scheme-qualified remote address of the peer.
	Accept(ctx context.Context) (net.Conn, *url.URL, error)
	Close() error
	Addr() net.Addr
	Scheme() string
}

// Listen opens a listener for a broker URL such as tcp://0.0.0.0:11010,
// udp://[::]:11010 or ws://0.0.0.0:11011.
func Listen(log *slog.Logger, u *url.URL) (Listener, error) {
	switch u.Scheme {
	case SchemeTCP:
		return listenTCP(u.Host)
	case SchemeUDP:
		return listenQUIC(u.Host)
	case SchemeWS:
		return listenWS(log, u.Host)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func clientURL(scheme string, remote net.Addr) *url.URL {
	return &url.URL{Scheme: scheme, Host: remote.String()}
}
