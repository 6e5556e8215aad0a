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

// DeviceLinkStore is the durable device link registry. A device link is
// the addressing unit for message fanout: one row per (identity, device)
// binding, soft-deleted when that exact device re-authenticates.
type DeviceLinkStore struct {
	pool *pgxpool.Pool
}

func NewDeviceLinkStore(pool *pgxpool.Pool) *DeviceLinkStore {
	return &DeviceLinkStore{pool: pool}
}

const linkColumns = `id, identity_id, device_id, created_at, deleted_at`

func (s *DeviceLinkStore) Link(ctx context.Context, identityID, deviceID uuid.UUID) (*models.DeviceLink, error) {
	query := `
		INSERT INTO device_links (id, identity_id, device_id, created_at)
		VALUES (uuid_generate_v4(), $1, $2, now())
		RETURNING ` + linkColumns

	var link models.DeviceLink
	err := s.pool.QueryRow(ctx, query, identityID, deviceID).Scan(
		&link.ID,
		&link.IdentityID,
		&link.DeviceID,
		&link.CreatedAt,
		&link.DeletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert device link: %w", refErr(err, "device_id"))
	}
	return &link, nil
}

// Relink retires the active link for this exact (identity, device) pair
// and creates a fresh one, in one transaction. The partial unique index on
// active pairs makes the soft-delete mandatory — and guarantees that two
// concurrent relinks for the same pair cannot both leave a link behind.
func (s *DeviceLinkStore) Relink(ctx context.Context, identityID, deviceID uuid.UUID) (*models.DeviceLink, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin relink: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE device_links
		SET deleted_at = now()
		WHERE identity_id = $1 AND device_id = $2 AND deleted_at IS NULL`,
		identityID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("retire device link: %w", err)
	}

	var link models.DeviceLink
	err = tx.QueryRow(ctx, `
		INSERT INTO device_links (id, identity_id, device_id, created_at)
		VALUES (uuid_generate_v4(), $1, $2, now())
		RETURNING `+linkColumns,
		identityID, deviceID).Scan(
		&link.ID,
		&link.IdentityID,
		&link.DeviceID,
		&link.CreatedAt,
		&link.DeletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert device link: %w", refErr(err, "device_id"))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit relink: %w", err)
	}
	return &link, nil
}

func (s *DeviceLinkStore) ActiveLinks(ctx context.Context, identityID uuid.UUID) ([]models.DeviceLink, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM device_links
		WHERE identity_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("list active links: %w", err)
	}
	defer rows.Close()

	return scanLinks(rows)
}

func (s *DeviceLinkStore) GetByID(ctx context.Context, id uuid.UUID) (*models.DeviceLink, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM device_links
		WHERE id = $1`

	var link models.DeviceLink
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&link.ID,
		&link.IdentityID,
		&link.DeviceID,
		&link.CreatedAt,
		&link.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device link: %w", err)
	}
	return &link, nil
}

func scanLinks(rows pgx.Rows) ([]models.DeviceLink, error) {
	links := make([]models.DeviceLink, 0)
	for rows.Next() {
		var link models.DeviceLink
		if err := rows.Scan(
			&link.ID,
			&link.IdentityID,
			&link.DeviceID,
			&link.CreatedAt,
			&link.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan device link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device links: %w", err)
	}
	return links, nil
}
