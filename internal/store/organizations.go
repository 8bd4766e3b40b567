package store

import (
	"context"
	"fmt"
	"time"
)

// Organization is identity only as far as the broker is concerned; other
// attributes are owned by the upper control plane.
type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrganizationExists answers the only question the heartbeat path asks of
// the registry.
func (s *Store) OrganizationExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM organizations WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: organization exists %s: %w", id, err)
	}
	return exists, nil
}

// CreateOrganization registers an organization id. Used by provisioning and
// test seeding; the broker core never creates organizations.
func (s *Store) CreateOrganization(ctx context.Context, id, name string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO organizations (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $3) ON CONFLICT (id) DO NOTHING`,
		id, name, at)
	if err != nil {
		return fmt.Errorf("store: create organization %s: %w", id, err)
	}
	return nil
}
