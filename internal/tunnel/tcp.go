package tunnel

import (
	"context"
	"net"
	"net/url"
)

type tcpListener struct {
	ln net.Listener
}

func listenTCP(host string) (Listener, error) {
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, *url.URL, error) {
	// Unblock Accept when the context ends.
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}
	return conn, clientURL(SchemeTCP, conn.RemoteAddr()), nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Scheme() string {
	return SchemeTCP
}
