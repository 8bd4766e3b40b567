package tunnel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
)

// alpnProtocol identifies the broker tunnel protocol during the QUIC
// handshake.
const alpnProtocol = "confbroker"

// quicListener serves the udp:// scheme. Each QUIC connection carries one
// tunnel: the first stream the device opens.
type quicListener struct {
	pc net.PacketConn
	ln *quic.Listener
}

func listenQUIC(host string) (Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("tunnel: tls config: %w", err)
	}
	ln, err := quic.Listen(pc, tlsConf, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 25 * time.Second,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}
	return &quicListener{pc: pc, ln: ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, *url.URL, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no tunnel stream")
		return nil, nil, err
	}
	return &quicStreamConn{conn: conn, stream: stream}, clientURL(SchemeUDP, conn.RemoteAddr()), nil
}

func (l *quicListener) Close() error {
	err := l.ln.Close()
	l.pc.Close()
	return err
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Scheme() string {
	return SchemeUDP
}

// quicStreamConn adapts a QUIC stream to net.Conn. Closing the conn closes
// the whole QUIC connection, matching the one-tunnel-per-connection model.
type quicStreamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicStreamConn) Close() error {
	c.stream.CancelRead(0)
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "session closed")
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicStreamConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *quicStreamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *quicStreamConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// selfSignedTLSConfig builds an ephemeral certificate for the QUIC
// handshake. Devices do not verify the broker certificate on this transport;
// TLS termination with real certificates happens in front of the broker.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "confbroker"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}, nil
}
