// Package index holds the in-memory mapping from organization and device to
// the tunnel endpoint of the session that most recently reported for it.
package index

import (
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// StorageToken binds a session's tunnel endpoint to a (organization, device)
// identity. Token duplicates OrganizationID for compatibility with older
// agents that authenticate with the bare organization id.
type StorageToken struct {
	Token          string
	ClientURL      *url.URL
	DeviceID       uuid.UUID
	OrganizationID string
}

// ClientInfo is the stored atom: the token plus the unix time of the
// heartbeat that wrote it.
type ClientInfo struct {
	Token      StorageToken
	ReportTime int64
}

// Index is safe for concurrent readers and writers. Racing updates for the
// same (organization, device) reconcile by report time: the strictly larger
// timestamp wins regardless of call order.
type Index struct {
	mu     sync.RWMutex
	orgs   map[string]map[uuid.UUID]ClientInfo
	closed bool
}

func New() *Index {
	return &Index{orgs: make(map[string]map[uuid.UUID]ClientInfo)}
}

// Update upserts the entry for the token's (organization, device). An
// existing entry is replaced only when reportTime is strictly greater than
// the stored one; equal timestamps do not overwrite. Reports whether the
// entry was written.
func (x *Index) Update(st StorageToken, reportTime int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	devices, ok := x.orgs[st.OrganizationID]
	if !ok {
		devices = make(map[uuid.UUID]ClientInfo)
		x.orgs[st.OrganizationID] = devices
	}
	if existing, ok := devices[st.DeviceID]; ok && reportTime <= existing.ReportTime {
		return false
	}
	devices[st.DeviceID] = ClientInfo{Token: st, ReportTime: reportTime}
	return true
}

// Remove drops the (organization, device) entry, but only if the stored
// client URL matches the token's: a stale session must not evict the entry
// written by its replacement. The organization bucket is dropped when empty.
func (x *Index) Remove(st StorageToken) {
	x.mu.Lock()
	defer x.mu.Unlock()

	devices, ok := x.orgs[st.OrganizationID]
	if !ok {
		return
	}
	existing, ok := devices[st.DeviceID]
	if !ok || existing.Token.ClientURL.String() != st.ClientURL.String() {
		return
	}
	delete(devices, st.DeviceID)
	if len(devices) == 0 {
		delete(x.orgs, st.OrganizationID)
	}
}

// GetURL returns the client URL of the session last seen for the device.
func (x *Index) GetURL(organizationID string, deviceID uuid.UUID) (*url.URL, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	info, ok := x.orgs[organizationID][deviceID]
	if !ok {
		return nil, false
	}
	return info.Token.ClientURL, true
}

// List snapshots the client URLs of every device reporting under the
// organization.
func (x *Index) List(organizationID string) []*url.URL {
	x.mu.RLock()
	defer x.mu.RUnlock()

	devices := x.orgs[organizationID]
	urls := make([]*url.URL, 0, len(devices))
	for _, info := range devices {
		urls = append(urls, info.Token.ClientURL)
	}
	return urls
}

// Close marks the index as shut down; handles stop acquiring afterwards.
func (x *Index) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
}

// Handle returns a non-owning handle for sessions to reach back into the
// index without keeping it alive past broker shutdown.
func (x *Index) Handle() Handle {
	return Handle{idx: x}
}

// Handle is the session-side view of the index. Acquire fails once the
// owning broker has closed the index, letting in-flight work abort
// gracefully during teardown.
type Handle struct {
	idx *Index
}

func (h Handle) Acquire() (*Index, bool) {
	if h.idx == nil {
		return nil, false
	}
	h.idx.mu.RLock()
	closed := h.idx.closed
	h.idx.mu.RUnlock()
	if closed {
		return nil, false
	}
	return h.idx, true
}
