package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opia-app/server/internal/models"
)

type DeviceStore struct {
	pool *pgxpool.Pool
}

func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

// Upsert registers a device under its client-chosen ID, updating metadata
// on conflict. Registration runs on every app start (client versions
// change), so create-or-update in one statement beats a racy get-then-set.
func (s *DeviceStore) Upsert(ctx context.Context, id uuid.UUID, name, os, clientVersion string) (*models.Device, error) {
	query := `
		INSERT INTO devices (id, name, os, client_version, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    os = EXCLUDED.os,
		    client_version = EXCLUDED.client_version
		RETURNING id, name, os, client_version, created_at`

	var dev models.Device
	err := s.pool.QueryRow(ctx, query, id, name, os, clientVersion).Scan(
		&dev.ID,
		&dev.Name,
		&dev.OS,
		&dev.ClientVersion,
		&dev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return &dev, nil
}

func (s *DeviceStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `
		SELECT id, name, os, client_version, created_at
		FROM devices
		WHERE id = $1`

	var dev models.Device
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&dev.ID,
		&dev.Name,
		&dev.OS,
		&dev.ClientVersion,
		&dev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &dev, nil
}
