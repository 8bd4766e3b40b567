package store

import (
	"context"
	"fmt"
)

// migrations are applied in order on every startup; each statement is
// idempotent so a partially applied set converges on the next run.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id CHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id CHAR(36) PRIMARY KEY,
		organization_id CHAR(36) REFERENCES organizations (id)
			ON DELETE SET NULL ON UPDATE CASCADE,
		name VARCHAR(255) NOT NULL,
		serial_number VARCHAR(255) NOT NULL,
		device_type VARCHAR(16) NOT NULL DEFAULT 'robot',
		model VARCHAR(255),
		capabilities JSONB,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		last_heartbeat TIMESTAMPTZ,
		network_instance_id CHAR(36),
		network_config JSONB,
		network_disabled BOOLEAN,
		network_create_time TIMESTAMPTZ,
		network_update_time TIMESTAMPTZ,
		virtual_ip BIGINT,
		virtual_ip_network_length SMALLINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_serial_number
		ON devices (serial_number)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_network_instance_id
		ON devices (network_instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_organization_id
		ON devices (organization_id)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_status_last_heartbeat
		ON devices (status, last_heartbeat)`,
}

// Migrate applies all pending migrations. Failure is fatal at startup.
func (s *Store) Migrate(ctx context.Context) error {
	s.log.Info("store: running migrations", "statements", len(migrations))
	for i, stmt := range migrations {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d failed: %w", i, err)
		}
	}
	return nil
}
