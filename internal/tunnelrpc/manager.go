// Package tunnelrpc runs request/response RPC in both directions over a
// single byte-stream tunnel.
//
// Frames are a 4-byte big-endian length followed by a JSON envelope. The
// manager serves locally registered methods for inbound requests and
// demultiplexes inbound responses to in-flight outbound calls. The service
// table is fixed before Serve; the manager is safe for concurrent use.
package tunnelrpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	kindRequest  = "req"
	kindResponse = "resp"

	// maxFrameSize bounds a single envelope; anything larger tears the
	// tunnel down.
	maxFrameSize = 16 << 20
)

var (
	// ErrClosed is returned by Call after the tunnel has been torn down.
	ErrClosed = errors.New("tunnelrpc: manager closed")

	errMethodNotFound = errors.New("method not found")
)

// CallError is a failure reported by the peer for an outbound call.
type CallError struct {
	Method string
	Reason string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("tunnelrpc: call %s failed: %s", e.Method, e.Reason)
}

type envelope struct {
	ID     uint64          `json:"id"`
	Kind   string          `json:"kind"`
	Method string          `json:"method,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler serves one inbound method. The returned value is marshaled into
// the response body; a returned error is reported to the peer verbatim.
type Handler func(ctx context.Context, body json.RawMessage) (any, error)

type Config struct {
	Logger *slog.Logger

	// ReadTimeout terminates the tunnel when no inbound frame arrives
	// within the window.
	ReadTimeout time.Duration

	// FailureCooldown delays the next inbound read after a handler
	// failure, throttling misbehaving peers.
	FailureCooldown time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ReadTimeout <= 0 {
		return errors.New("read timeout must be greater than 0")
	}
	return nil
}

// Manager owns one tunnel. Inbound requests are dispatched in arrival order;
// outbound calls may be issued from any goroutine.
type Manager struct {
	log             *slog.Logger
	readTimeout     time.Duration
	failureCooldown time.Duration

	handlers map[string]Handler

	conn    net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan envelope
	nextID    atomic.Uint64

	running   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:             cfg.Logger,
		readTimeout:     cfg.ReadTimeout,
		failureCooldown: cfg.FailureCooldown,
		handlers:        make(map[string]Handler),
		pending:         make(map[uint64]chan envelope),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Register adds an inbound method. Must be called before Serve.
func (m *Manager) Register(method string, h Handler) {
	m.handlers[method] = h
}

// Serve binds the manager to the tunnel and starts the read loop.
func (m *Manager) Serve(conn net.Conn) {
	m.conn = conn
	m.running.Store(true)
	go m.readLoop()
}

// IsRunning reports whether the read loop is still alive.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Stop tears the tunnel down and fails all in-flight outbound calls.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.done)
		if m.conn != nil {
			m.conn.Close()
		}
	})
	m.running.Store(false)
}

func (m *Manager) readLoop() {
	defer func() {
		m.running.Store(false)
		m.Stop()
		m.failPending()
	}()
	for {
		if err := m.conn.SetReadDeadline(time.Now().Add(m.readTimeout)); err != nil {
			return
		}
		env, err := m.readFrame()
		if err != nil {
			select {
			case <-m.done:
			default:
				if !errors.Is(err, io.EOF) {
					m.log.Debug("tunnelrpc: read loop terminated", "error", err)
				}
			}
			return
		}
		switch env.Kind {
		case kindRequest:
			m.handleRequest(env)
		case kindResponse:
			m.deliverResponse(env)
		default:
			m.log.Warn("tunnelrpc: dropping frame with unknown kind", "kind", env.Kind)
		}
	}
}

func (m *Manager) handleRequest(env envelope) {
	resp := envelope{ID: env.ID, Kind: kindResponse, Method: env.Method}

	h, ok := m.handlers[env.Method]
	if !ok {
		resp.Error = errMethodNotFound.Error()
	} else if out, err := h(m.ctx, env.Body); err != nil {
		resp.Error = err.Error()
	} else if out != nil {
		body, err := json.Marshal(out)
		if err != nil {
			resp.Error = fmt.Sprintf("marshal response: %v", err)
		} else {
			resp.Body = body
		}
	}

	if err := m.writeFrame(resp); err != nil {
		m.log.Debug("tunnelrpc: failed to write response", "method", env.Method, "error", err)
		return
	}

	if resp.Error != "" && m.failureCooldown > 0 {
		m.log.Warn("tunnelrpc: inbound request failed", "method", env.Method, "error", resp.Error)
		select {
		case <-time.After(m.failureCooldown):
		case <-m.done:
		}
	}
}

func (m *Manager) deliverResponse(env envelope) {
	m.pendingMu.Lock()
	ch, ok := m.pending[env.ID]
	if ok {
		delete(m.pending, env.ID)
	}
	m.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (m *Manager) failPending() {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for id, ch := range m.pending {
		delete(m.pending, id)
		ch <- envelope{ID: id, Kind: kindResponse, Error: ErrClosed.Error()}
	}
}

// Call issues an outbound request and blocks until the peer responds, the
// context is done, or the tunnel closes. A nil out discards the response
// body.
func (m *Manager) Call(ctx context.Context, method string, in, out any) error {
	if !m.IsRunning() {
		return ErrClosed
	}

	var body json.RawMessage
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("tunnelrpc: marshal %s request: %w", method, err)
		}
		body = b
	}

	id := m.nextID.Add(1)
	ch := make(chan envelope, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()

	env := envelope{ID: id, Kind: kindRequest, Method: method, Body: body}
	if err := m.writeFrame(env); err != nil {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
		return fmt.Errorf("tunnelrpc: write %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	case resp := <-ch:
		if resp.Error != "" {
			if resp.Error == ErrClosed.Error() {
				return ErrClosed
			}
			return &CallError{Method: method, Reason: resp.Error}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("tunnelrpc: unmarshal %s response: %w", method, err)
		}
		return nil
	}
}

func (m *Manager) readFrame() (envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(m.conn, hdr[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return envelope{}, fmt.Errorf("invalid frame size %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(m.conn, buf); err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (m *Manager) writeFrame(env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = m.conn.Write(payload)
	return err
}
