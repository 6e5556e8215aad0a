package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opia-app/server/internal/models"
)

// identityRow is the persisted shape. It carries the password hash, which
// must never appear in a response — mapping to models.Identity drops it.
type identityRow struct {
	ID           uuid.UUID
	Handle       string
	Kind         string
	PasswordHash string
	CreatedAt    time.Time
}

func (r identityRow) toModel() *models.Identity {
	return &models.Identity{
		ID:        r.ID,
		Handle:    r.Handle,
		Kind:      r.Kind,
		CreatedAt: r.CreatedAt,
	}
}

type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

func (s *IdentityStore) Create(ctx context.Context, handle, kind, passwordHash string) (*models.Identity, error) {
	query := `
		INSERT INTO identities (id, handle, kind, password_hash, created_at)
		VALUES (uuid_generate_v4(), $1, $2, $3, now())
		RETURNING id, handle, kind, password_hash, created_at`

	var row identityRow
	err := s.pool.QueryRow(ctx, query, handle, kind, passwordHash).Scan(
		&row.ID,
		&row.Handle,
		&row.Kind,
		&row.PasswordHash,
		&row.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert identity: %w", refErr(err, "handle"))
	}
	return row.toModel(), nil
}

func (s *IdentityStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	query := `
		SELECT id, handle, kind, password_hash, created_at
		FROM identities
		WHERE id = $1`

	var row identityRow
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&row.ID,
		&row.Handle,
		&row.Kind,
		&row.PasswordHash,
		&row.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return row.toModel(), nil
}

func (s *IdentityStore) GetByHandle(ctx context.Context, handle string) (*models.Identity, string, error) {
	query := `
		SELECT id, handle, kind, password_hash, created_at
		FROM identities
		WHERE handle = $1`

	var row identityRow
	err := s.pool.QueryRow(ctx, query, handle).Scan(
		&row.ID,
		&row.Handle,
		&row.Kind,
		&row.PasswordHash,
		&row.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("get identity by handle: %w", err)
	}
	return row.toModel(), row.PasswordHash, nil
}
