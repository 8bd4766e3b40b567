package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/meshgrid/confbroker/internal/store"
)

// memStore is an in-memory Store used by the broker tests. Semantics mirror
// the SQL in internal/store.
type memStore struct {
	mu      sync.Mutex
	orgs    map[string]bool
	devices map[string]*store.Device
}

func newMemStore(orgs ...string) *memStore {
	m := &memStore{
		orgs:    make(map[string]bool),
		devices: make(map[string]*store.Device),
	}
	for _, o := range orgs {
		m.orgs[o] = true
	}
	return m
}

func (m *memStore) device(id string) (store.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return store.Device{}, false
	}
	return *d, true
}

func (m *memStore) put(d *store.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
}

func (m *memStore) dropOrganization(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orgs, id)
}

func (m *memStore) addOrganization(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[id] = true
}

func (m *memStore) OrganizationExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orgs[id], nil
}

func (m *memStore) GetDevice(_ context.Context, organizationID, deviceID string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.OrganizationID == nil || *d.OrganizationID != organizationID {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) GetDeviceByInstance(_ context.Context, organizationID, instID string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.NetworkInstanceID != nil && *d.NetworkInstanceID == instID &&
			d.OrganizationID != nil && *d.OrganizationID == organizationID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) InsertDevice(_ context.Context, d *store.Device) error {
	cp := *d
	m.put(&cp)
	return nil
}

func (m *memStore) TouchHeartbeat(_ context.Context, deviceID string, status store.DeviceStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		hb := at
		d.Status = status
		d.LastHeartbeat = &hb
		d.UpdatedAt = at
	}
	return nil
}

func (m *memStore) ListEnabledInstances(_ context.Context, organizationID, deviceID string) ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Device
	d, ok := m.devices[deviceID]
	if !ok || d.OrganizationID == nil || *d.OrganizationID != organizationID {
		return nil, nil
	}
	if d.NetworkInstanceID != nil && d.NetworkDisabled != nil && !*d.NetworkDisabled {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListDisabledInstanceIDs(_ context.Context, organizationID, deviceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	d, ok := m.devices[deviceID]
	if ok && d.OrganizationID != nil && *d.OrganizationID == organizationID &&
		d.NetworkInstanceID != nil && d.NetworkDisabled != nil && *d.NetworkDisabled {
		out = append(out, *d.NetworkInstanceID)
	}
	return out, nil
}

func (m *memStore) SetNetworkInstance(_ context.Context, organizationID, deviceID, instID string, cfg json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil
	}
	disabled := false
	created := at
	d.NetworkInstanceID = &instID
	d.NetworkConfig = cfg
	d.NetworkDisabled = &disabled
	d.NetworkCreateTime = &created
	d.NetworkUpdateTime = &created
	d.UpdatedAt = at
	return nil
}

func (m *memStore) ClearNetworkInstance(_ context.Context, organizationID, instID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.NetworkInstanceID != nil && *d.NetworkInstanceID == instID {
			d.NetworkInstanceID = nil
			d.NetworkConfig = nil
			d.NetworkDisabled = nil
			d.NetworkCreateTime = nil
			d.NetworkUpdateTime = nil
			d.UpdatedAt = at
		}
	}
	return nil
}

func (m *memStore) SetNetworkDisabled(_ context.Context, organizationID, instID string, disabled bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.NetworkInstanceID != nil && *d.NetworkInstanceID == instID {
			v := disabled
			d.NetworkDisabled = &v
			d.NetworkUpdateTime = &at
			d.UpdatedAt = at
		}
	}
	return nil
}

func (m *memStore) SetVirtualIP(_ context.Context, organizationID, instID string, addr uint32, networkLength uint8, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.NetworkInstanceID != nil && *d.NetworkInstanceID == instID {
			a, l := addr, networkLength
			d.VirtualIP = &a
			d.VirtualIPNetworkLength = &l
			d.UpdatedAt = at
		}
	}
	return nil
}

func (m *memStore) MarkTimedOutOffline(_ context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.devices {
		if d.Status == store.StatusOnline && d.LastHeartbeat != nil && d.LastHeartbeat.Before(cutoff) {
			d.Status = store.StatusOffline
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
