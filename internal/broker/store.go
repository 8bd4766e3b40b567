package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meshgrid/confbroker/internal/store"
)

// Store is the slice of the relational store the broker consumes. Satisfied
// by *store.Store; tests substitute an in-memory fake.
type Store interface {
	OrganizationExists(ctx context.Context, id string) (bool, error)

	GetDevice(ctx context.Context, organizationID, deviceID string) (*store.Device, error)
	GetDeviceByInstance(ctx context.Context, organizationID, instID string) (*store.Device, error)
	InsertDevice(ctx context.Context, d *store.Device) error
	TouchHeartbeat(ctx context.Context, deviceID string, status store.DeviceStatus, at time.Time) error

	ListEnabledInstances(ctx context.Context, organizationID, deviceID string) ([]*store.Device, error)
	ListDisabledInstanceIDs(ctx context.Context, organizationID, deviceID string) ([]string, error)
	SetNetworkInstance(ctx context.Context, organizationID, deviceID, instID string, cfg json.RawMessage, at time.Time) error
	ClearNetworkInstance(ctx context.Context, organizationID, instID string, at time.Time) error
	SetNetworkDisabled(ctx context.Context, organizationID, instID string, disabled bool, at time.Time) error
	SetVirtualIP(ctx context.Context, organizationID, instID string, addr uint32, networkLength uint8, at time.Time) error

	MarkTimedOutOffline(ctx context.Context, cutoff, now time.Time) (int64, error)
}
