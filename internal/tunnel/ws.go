package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsListener serves the ws:// scheme: an HTTP server that upgrades every
// request into a binary-message tunnel.
type wsListener struct {
	log      *slog.Logger
	ln       net.Listener
	srv      *http.Server
	accepted chan *wsConn

	closeOnce sync.Once
	closed    chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Device tunnels are not browser traffic; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

func listenWS(log *slog.Logger, host string) (Listener, error) {
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		log:      log,
		ln:       ln,
		accepted: make(chan *wsConn),
		closed:   make(chan struct{}),
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(l.handleUpgrade)}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Debug("tunnel: websocket server stopped", "error", err)
		}
	}()
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("tunnel: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newWSConn(ws)
	select {
	case l.accepted <- conn:
	case <-l.closed:
		ws.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (net.Conn, *url.URL, error) {
	select {
	case conn := <-l.accepted:
		return conn, clientURL(SchemeWS, conn.RemoteAddr()), nil
	case <-l.closed:
		return nil, nil, net.ErrClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.srv.Close()
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *wsListener) Scheme() string {
	return SchemeWS
}

// wsConn adapts a websocket connection to net.Conn. Writes map to one
// binary message each; reads drain messages in order.
type wsConn struct {
	ws      *websocket.Conn
	buf     []byte
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		t, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if t != websocket.BinaryMessage {
			continue
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
