package broker

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/meshgrid/confbroker/internal/geoip"
	"github.com/meshgrid/confbroker/internal/index"
	"github.com/meshgrid/confbroker/internal/tunnelrpc"
	"github.com/meshgrid/confbroker/internal/wire"
)

// SessionData is the mutable state shared between the heartbeat handler and
// the session's readers. The heartbeat handler is the single writer.
type SessionData struct {
	mu           sync.RWMutex
	lastReq      *wire.HeartbeatRequest
	storageToken *index.StorageToken
	location     geoip.Location
}

// LastRequest returns the most recent heartbeat, or nil before the first.
func (d *SessionData) LastRequest() *wire.HeartbeatRequest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastReq
}

// Token returns the bound storage token, or nil before the first successful
// heartbeat.
func (d *SessionData) Token() *index.StorageToken {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.storageToken
}

func (d *SessionData) Location() geoip.Location {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.location
}

func (d *SessionData) bind(req *wire.HeartbeatRequest, st index.StorageToken) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastReq = req
	d.storageToken = &st
}

// Session is the broker's per-tunnel handle: the RPC manager bound to the
// tunnel, the shared session data, the heartbeat topic and the reconcile
// task.
type Session struct {
	log       *slog.Logger
	clientURL *url.URL
	idx       index.Handle
	store     Store
	clock     clockwork.Clock

	mgr   *tunnelrpc.Manager
	data  *SessionData
	topic *notifier[*wire.HeartbeatRequest]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

func newSession(log *slog.Logger, idx index.Handle, st Store, clock clockwork.Clock, clientURL *url.URL, loc geoip.Location) (*Session, error) {
	mgr, err := tunnelrpc.NewManager(&tunnelrpc.Config{
		Logger:          log,
		ReadTimeout:     inboundReadTimeout,
		FailureCooldown: heartbeatFailureCooldown,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:       log.With("client_url", clientURL.String()),
		clientURL: clientURL,
		idx:       idx,
		store:     st,
		clock:     clock,
		mgr:       mgr,
		data:      &SessionData{location: loc},
		topic:     newNotifier[*wire.HeartbeatRequest](),
		ctx:       ctx,
		cancel:    cancel,
	}
	mgr.Register(wire.MethodHeartbeat, s.handleHeartbeat)
	return s, nil
}

// Serve binds the session to its tunnel and spawns the reconcile task. The
// task subscribes before the read loop starts, so even the first heartbeat
// reaches it.
func (s *Session) Serve(conn net.Conn) {
	ch, unsubscribe := s.topic.Subscribe(heartbeatTopicCapacity)
	s.wg.Add(1)
	go s.runReconcile(ch, unsubscribe)
	s.mgr.Serve(conn)
}

// IsRunning reports whether the tunnel is still alive.
func (s *Session) IsRunning() bool {
	return s.mgr.IsRunning()
}

// ClientURL is the session's identity in the sessions map.
func (s *Session) ClientURL() *url.URL {
	return s.clientURL
}

// Data exposes the shared session state for read access.
func (s *Session) Data() *SessionData {
	return s.data
}

// Client returns the outbound RPC client scoped to this session's tunnel.
func (s *Session) Client() *tunnelrpc.Client {
	return s.mgr.Client()
}

// Shutdown tears the session down: the reconcile task is aborted, the RPC
// manager stops, and any bound index entry is removed. Removing the entry
// here is the only disconnection-driven index mutation; the URL guard in
// Remove keeps a stale session from evicting its replacement.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		s.topic.Close()
		s.mgr.Stop()
		s.wg.Wait()

		if st := s.data.Token(); st != nil {
			if idx, ok := s.idx.Acquire(); ok {
				idx.Remove(*st)
			}
		}
	})
}
