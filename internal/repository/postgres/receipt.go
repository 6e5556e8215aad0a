package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opia-app/server/internal/apierr"
	"github.com/opia-app/server/internal/models"
)

// ReceiptStore records per-attempt delivery state. Every mark is a
// conditional UPDATE guarded by "timestamp IS NULL": a duplicate client
// acknowledgment matches zero rows and is a clean no-op, never an error,
// and never moves an already-set timestamp.
type ReceiptStore struct {
	pool *pgxpool.Pool
}

func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

func (s *ReceiptStore) MarkReceived(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) error {
	// recv and rjct are mutually exclusive per attempt; a receipt that was
	// already rejected cannot also become received.
	return s.mark(ctx, `
		UPDATE message_receipts
		SET recv_at = now()
		WHERE msg_id = $1 AND rcpt_link_id = $2 AND dup = $3
		  AND recv_at IS NULL AND rjct_at IS NULL`,
		messageID, deviceLinkID, dup)
}

func (s *ReceiptStore) MarkRejected(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) error {
	return s.mark(ctx, `
		UPDATE message_receipts
		SET rjct_at = now()
		WHERE msg_id = $1 AND rcpt_link_id = $2 AND dup = $3
		  AND rjct_at IS NULL AND recv_at IS NULL`,
		messageID, deviceLinkID, dup)
}

// MarkRead does not check recv_at here — the received-before-read policy
// lives at the API boundary, so it can change without a store migration.
func (s *ReceiptStore) MarkRead(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) error {
	return s.mark(ctx, `
		UPDATE message_receipts
		SET read_at = now()
		WHERE msg_id = $1 AND rcpt_link_id = $2 AND dup = $3
		  AND read_at IS NULL`,
		messageID, deviceLinkID, dup)
}

func (s *ReceiptStore) mark(ctx context.Context, query string, messageID, deviceLinkID uuid.UUID, dup int) error {
	tag, err := s.pool.Exec(ctx, query, messageID, deviceLinkID, dup)
	if err != nil {
		return fmt.Errorf("mark receipt: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows means either "already set" (fine) or "no such receipt"
	// (the client referenced a bogus attempt).
	receipt, err := s.Get(ctx, messageID, deviceLinkID, dup)
	if err != nil {
		return err
	}
	if receipt == nil {
		return apierr.Reference("receipt", "no receipt for this message/device-link/dup")
	}
	return nil
}

func (s *ReceiptStore) Get(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) (*models.MessageReceipt, error) {
	query := `
		SELECT msg_id, rcpt_link_id, dup, recv_at, rjct_at, read_at
		FROM message_receipts
		WHERE msg_id = $1 AND rcpt_link_id = $2 AND dup = $3`

	var r models.MessageReceipt
	err := s.pool.QueryRow(ctx, query, messageID, deviceLinkID, dup).Scan(
		&r.MessageID,
		&r.RecipientDeviceLinkID,
		&r.Dup,
		&r.ReceivedAt,
		&r.RejectedAt,
		&r.ReadAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return &r, nil
}

// NextAttempt opens the next retransmission epoch for a packet: a new
// receipt row at max(dup)+1. Earlier attempts keep their rows untouched,
// so the full delivery history per attempt stays queryable.
func (s *ReceiptStore) NextAttempt(ctx context.Context, messageID, deviceLinkID uuid.UUID) (*models.MessageReceipt, error) {
	query := `
		INSERT INTO message_receipts (msg_id, rcpt_link_id, dup)
		SELECT msg_id, rcpt_link_id, max(dup) + 1
		FROM message_receipts
		WHERE msg_id = $1 AND rcpt_link_id = $2
		GROUP BY msg_id, rcpt_link_id
		RETURNING msg_id, rcpt_link_id, dup, recv_at, rjct_at, read_at`

	var r models.MessageReceipt
	err := s.pool.QueryRow(ctx, query, messageID, deviceLinkID).Scan(
		&r.MessageID,
		&r.RecipientDeviceLinkID,
		&r.Dup,
		&r.ReceivedAt,
		&r.RejectedAt,
		&r.ReadAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.Reference("receipt", "no prior attempt for this message/device-link")
		}
		return nil, fmt.Errorf("insert next attempt: %w", err)
	}
	return &r, nil
}
