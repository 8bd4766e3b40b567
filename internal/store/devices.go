package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Device is the persisted record of one fleet endpoint.
type Device struct {
	ID                     string
	OrganizationID         *string
	Name                   string
	SerialNumber           string
	DeviceType             DeviceType
	Model                  *string
	Capabilities           json.RawMessage
	Status                 DeviceStatus
	LastHeartbeat          *time.Time
	NetworkInstanceID      *string
	NetworkConfig          json.RawMessage
	NetworkDisabled        *bool
	NetworkCreateTime      *time.Time
	NetworkUpdateTime      *time.Time
	VirtualIP              *uint32
	VirtualIPNetworkLength *uint8
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

const deviceColumns = `id, organization_id, name, serial_number, device_type, model,
	capabilities, status, last_heartbeat, network_instance_id, network_config,
	network_disabled, network_create_time, network_update_time,
	virtual_ip, virtual_ip_network_length, created_at, updated_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var (
		d         Device
		devType   string
		status    string
		virtualIP *int64
		netLen    *int16
	)
	err := row.Scan(
		&d.ID, &d.OrganizationID, &d.Name, &d.SerialNumber, &devType, &d.Model,
		&d.Capabilities, &status, &d.LastHeartbeat, &d.NetworkInstanceID,
		&d.NetworkConfig, &d.NetworkDisabled, &d.NetworkCreateTime,
		&d.NetworkUpdateTime, &virtualIP, &netLen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.DeviceType = DeviceType(devType)
	d.Status = DeviceStatus(status)
	if virtualIP != nil {
		v := uint32(*virtualIP)
		d.VirtualIP = &v
	}
	if netLen != nil {
		v := uint8(*netLen)
		d.VirtualIPNetworkLength = &v
	}
	return &d, nil
}

// GetDevice loads the device by id scoped to one organization.
func (s *Store) GetDevice(ctx context.Context, organizationID, deviceID string) (*Device, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1 AND organization_id = $2`,
		deviceID, organizationID)
	return scanDevice(row)
}

// GetDeviceByInstance loads the device owning the network instance.
func (s *Store) GetDeviceByInstance(ctx context.Context, organizationID, instID string) (*Device, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE network_instance_id = $1 AND organization_id = $2`,
		instID, organizationID)
	return scanDevice(row)
}

// InsertDevice creates a new device row. Only the identity, naming and
// status columns are written; network columns start NULL.
func (s *Store) InsertDevice(ctx context.Context, d *Device) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO devices (id, organization_id, name, serial_number, device_type,
			status, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		d.ID, d.OrganizationID, d.Name, d.SerialNumber, string(d.DeviceType),
		string(d.Status), d.LastHeartbeat, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert device %s: %w", d.ID, err)
	}
	return nil
}

// TouchHeartbeat advances last_heartbeat and writes the status computed by
// the heartbeat state machine. No other column is modified.
func (s *Store) TouchHeartbeat(ctx context.Context, deviceID string, status DeviceStatus, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE devices SET status = $2, last_heartbeat = $3, updated_at = $3 WHERE id = $1`,
		deviceID, string(status), at)
	if err != nil {
		return fmt.Errorf("store: touch heartbeat for %s: %w", deviceID, err)
	}
	return nil
}

// ListEnabledInstances returns the device rows for (organization, device)
// that carry a network instance that is not disabled. Status filtering is
// the caller's concern.
func (s *Store) ListEnabledInstances(ctx context.Context, organizationID, deviceID string) ([]*Device, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices
		WHERE organization_id = $1 AND id = $2
			AND network_instance_id IS NOT NULL AND network_disabled = FALSE`,
		organizationID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled instances: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListDisabledInstanceIDs returns the instance ids stored for the device
// with network_disabled set.
func (s *Store) ListDisabledInstanceIDs(ctx context.Context, organizationID, deviceID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT network_instance_id FROM devices
		WHERE organization_id = $1 AND id = $2
			AND network_instance_id IS NOT NULL AND network_disabled = TRUE`,
		organizationID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list disabled instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetNetworkInstance binds an instance id and its config to the device and
// marks it enabled.
func (s *Store) SetNetworkInstance(ctx context.Context, organizationID, deviceID, instID string, cfg json.RawMessage, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE devices SET network_instance_id = $3, network_config = $4,
			network_disabled = FALSE, network_create_time = $5,
			network_update_time = $5, updated_at = $5
		WHERE id = $2 AND organization_id = $1`,
		organizationID, deviceID, instID, cfg, at)
	if err != nil {
		return fmt.Errorf("store: set network instance for %s: %w", deviceID, err)
	}
	return nil
}

// ClearNetworkInstance resets every network_* column of the device owning
// the instance, returning the row to its pre-run state.
func (s *Store) ClearNetworkInstance(ctx context.Context, organizationID, instID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE devices SET network_instance_id = NULL, network_config = NULL,
			network_disabled = NULL, network_create_time = NULL,
			network_update_time = NULL, updated_at = $3
		WHERE network_instance_id = $2 AND organization_id = $1`,
		organizationID, instID, at)
	if err != nil {
		return fmt.Errorf("store: clear network instance %s: %w", instID, err)
	}
	return nil
}

// SetNetworkDisabled toggles the enable flag of a stored instance.
func (s *Store) SetNetworkDisabled(ctx context.Context, organizationID, instID string, disabled bool, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE devices SET network_disabled = $3, network_update_time = $4, updated_at = $4
		WHERE network_instance_id = $2 AND organization_id = $1`,
		organizationID, instID, disabled, at)
	if err != nil {
		return fmt.Errorf("store: set network disabled for %s: %w", instID, err)
	}
	return nil
}

// SetVirtualIP persists the device-assigned overlay address for the
// instance.
func (s *Store) SetVirtualIP(ctx context.Context, organizationID, instID string, addr uint32, networkLength uint8, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE devices SET virtual_ip = $3, virtual_ip_network_length = $4, updated_at = $5
		WHERE network_instance_id = $2 AND organization_id = $1`,
		organizationID, instID, int64(addr), int16(networkLength), at)
	if err != nil {
		return fmt.Errorf("store: set virtual ip for %s: %w", instID, err)
	}
	return nil
}

// MarkTimedOutOffline demotes devices whose last heartbeat predates cutoff.
// Only online devices are demoted: pending and rejected devices keep their
// admin-chosen state however stale they are.
func (s *Store) MarkTimedOutOffline(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE devices SET status = $3, updated_at = $2
		WHERE last_heartbeat < $1 AND status = $4`,
		cutoff, now, string(StatusOffline), string(StatusOnline))
	if err != nil {
		return 0, fmt.Errorf("store: mark timed out offline: %w", err)
	}
	return tag.RowsAffected(), nil
}
