// Package broker is the core of the configuration server: it accepts device
// tunnels, tracks per-client sessions, reflects heartbeats into the store,
// pushes stored overlay configurations back to approved devices and serves
// the management surface consumed by the upper control plane.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/meshgrid/confbroker/internal/geoip"
	"github.com/meshgrid/confbroker/internal/index"
	"github.com/meshgrid/confbroker/internal/tunnel"
)

type Config struct {
	Logger *slog.Logger
	Store  Store

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// GeoIP decorates sessions with a coarse location. Optional; a nil
	// resolver leaves every public peer at the unknown sentinel.
	GeoIP geoip.Resolver
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Broker owns the listeners, the sessions map, the client index and the two
// sweepers.
type Broker struct {
	log   *slog.Logger
	store Store
	clock clockwork.Clock
	geo   geoip.Resolver
	idx   *index.Index

	sessionsMu sync.Mutex
	sessions   map[string]*Session

	listenersMu sync.Mutex
	listeners   []tunnel.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New builds a broker and spawns its sweepers. The caller is expected to
// have migrated the store already.
func New(cfg *Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	geo := cfg.GeoIP
	if geo == nil {
		geo = geoip.NewResolver(cfg.Logger, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		log:      cfg.Logger,
		store:    cfg.Store,
		clock:    clock,
		geo:      geo,
		idx:      index.New(),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(2)
	go b.runSessionGC()
	go b.runOfflineSweeper()
	return b, nil
}

// Index exposes the client index for the management surface.
func (b *Broker) Index() *index.Index {
	return b.idx
}

// Listen opens a listener for rawURL (tcp://, udp:// or ws://) and starts
// its accept loop.
func (b *Broker) Listen(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	ln, err := tunnel.Listen(b.log, u)
	if err != nil {
		if errors.Is(err, tunnel.ErrUnsupportedScheme) {
			return fmt.Errorf("%w: %q", ErrInvalidURL, u.Scheme)
		}
		return fmt.Errorf("%w: %v", ErrListenFailure, err)
	}
	b.AddListener(ln)
	return nil
}

// AddListener registers a bound listener and starts its accept loop.
func (b *Broker) AddListener(ln tunnel.Listener) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, ln)
	b.listenersMu.Unlock()

	b.wg.Add(1)
	go b.acceptLoop(ln)
}

// Start opens dual-stack listeners for protocol on port: always
// 0.0.0.0:port, plus [::]:port for tcp/udp hosts with a global IPv6
// address. At least one family must bind.
func (b *Broker) Start(protocol string, port int) error {
	var errs []error

	if err := b.Listen(fmt.Sprintf("%s://0.0.0.0:%d", protocol, port)); err != nil {
		if errors.Is(err, ErrInvalidURL) {
			return err
		}
		errs = append(errs, err)
	}

	if (protocol == tunnel.SchemeTCP || protocol == tunnel.SchemeUDP) && hasGlobalIPv6() {
		if err := b.Listen(fmt.Sprintf("%s://[::]:%d", protocol, port)); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 && !b.hasListeners() {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		b.log.Warn("listener family unavailable", "protocol", protocol, "port", port, "error", err)
	}
	return nil
}

func (b *Broker) hasListeners() bool {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	return len(b.listeners) > 0
}

func hasGlobalIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.To4() == nil && ip.IsGlobalUnicast() && !ip.IsPrivate() {
			return true
		}
	}
	return false
}

func (b *Broker) acceptLoop(ln tunnel.Listener) {
	defer b.wg.Done()
	activeListeners.Inc()
	defer activeListeners.Dec()

	scheme := ln.Scheme()
	b.log.Info("listener started", "scheme", scheme, "addr", ln.Addr().String())

	for {
		conn, clientURL, err := ln.Accept(b.ctx)
		if err != nil {
			select {
			case <-b.ctx.Done():
			default:
				b.log.Error("accept loop terminated", "scheme", scheme, "error", err)
			}
			return
		}
		b.handleTunnel(conn, clientURL)
	}
}

func (b *Broker) handleTunnel(conn net.Conn, clientURL *url.URL) {
	loc := geoip.ResolveHost(b.geo, clientURL.Host)

	sess, err := newSession(b.log, b.idx.Handle(), b.store, b.clock, clientURL, loc)
	if err != nil {
		b.log.Error("failed to build session", "client_url", clientURL.String(), "error", err)
		conn.Close()
		return
	}
	sess.Serve(conn)

	key := clientURL.String()
	b.sessionsMu.Lock()
	old := b.sessions[key]
	b.sessions[key] = sess
	activeSessions.Set(float64(len(b.sessions)))
	b.sessionsMu.Unlock()

	if old != nil {
		// Same transport endpoint reconnected before GC noticed.
		go old.Shutdown()
	}
	b.log.Info("device connected", "client_url", key, "country", loc.Country)
}

// Session returns the live session registered under the client URL.
func (b *Broker) Session(clientURL string) (*Session, bool) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	s, ok := b.sessions[clientURL]
	return s, ok
}

// runSessionGC drops sessions whose tunnel has died.
func (b *Broker) runSessionGC() {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(sessionGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.Chan():
			b.collectDeadSessions()
		}
	}
}

func (b *Broker) collectDeadSessions() {
	var dead []*Session
	b.sessionsMu.Lock()
	for key, s := range b.sessions {
		if !s.IsRunning() {
			delete(b.sessions, key)
			dead = append(dead, s)
		}
	}
	activeSessions.Set(float64(len(b.sessions)))
	b.sessionsMu.Unlock()

	for _, s := range dead {
		s.Shutdown()
		b.log.Info("collected dead session", "client_url", s.ClientURL().String())
	}
}

// runOfflineSweeper demotes timed-out online devices. Pending and rejected
// devices keep their admin-chosen state however stale they are.
func (b *Broker) runOfflineSweeper() {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(offlineSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.Chan():
			b.sweepOffline()
		}
	}
}

func (b *Broker) sweepOffline() {
	now := b.clock.Now().UTC()
	cutoff := now.Add(-offlineCutoff)

	n, err := b.store.MarkTimedOutOffline(b.ctx, cutoff, now)
	if err != nil {
		b.log.Error("offline sweep failed", "error", err)
		return
	}
	if n > 0 {
		devicesMarkedOffline.Add(float64(n))
		b.log.Info("marked timed-out devices offline", "count", n)
	}
}

// Shutdown cancels the sweepers, closes every listener, drains the sessions
// map and closes the index.
func (b *Broker) Shutdown() {
	b.closeOnce.Do(func() {
		b.cancel()

		b.listenersMu.Lock()
		listeners := b.listeners
		b.listeners = nil
		b.listenersMu.Unlock()
		for _, ln := range listeners {
			ln.Close()
		}

		b.sessionsMu.Lock()
		sessions := make([]*Session, 0, len(b.sessions))
		for key, s := range b.sessions {
			delete(b.sessions, key)
			sessions = append(sessions, s)
		}
		activeSessions.Set(0)
		b.sessionsMu.Unlock()
		for _, s := range sessions {
			s.Shutdown()
		}

		b.idx.Close()
		b.wg.Wait()
		b.log.Info("broker stopped")
	})
}
