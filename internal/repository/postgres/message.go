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

// MessageStore persists logical messages with their per-device packets and
// receipt placeholders. Submission is the one multi-statement write in the
// system and runs in a single transaction: either the message, every
// packet and every receipt commit together, or nothing does. Readers never
// observe a partial fanout.
type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the read
// helpers work inside and outside the submission transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Submit implements idempotent fanout creation.
//
// The whole operation — existence check, target validation and the inserts
// — happens inside one transaction. Validating inside the transaction
// matters: it closes the window between "sender fetched the recipient's
// links" and "message committed" during which a device could relink.
// Either the submitted set still matches and the packets address live
// links, or the sender gets a constraint error and refetches.
func (s *MessageStore) Submit(ctx context.Context, senderID, senderLinkID uuid.UUID, req models.SubmitMessage) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback(ctx)

	// Idempotent retry: same id, same stored message, no new rows.
	existing, err := loadMessage(ctx, tx, req.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	links, err := activeLinksTx(ctx, tx, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidatePacketTargets(req.Packets, links); err != nil {
		return nil, err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var msg models.Message
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, from_id, rcpt_id, packet_count, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, from_id, rcpt_id, packet_count, created_at`,
		req.ID, senderID, req.RecipientID, len(req.Packets)).Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.PacketCount,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", refErr(err, "rcpt_id"))
	}

	// One round trip for all packet and receipt inserts.
	batch := &pgx.Batch{}
	for _, p := range req.Packets {
		batch.Queue(`
			INSERT INTO message_packets
				(msg_id, from_link_id, rcpt_id, rcpt_link_id, dup, seqno, ts, ciphertext)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			req.ID, senderLinkID, req.RecipientID, p.RecipientDeviceLinkID,
			p.Dup, p.SeqNo, ts, p.Ciphertext)
		batch.Queue(`
			INSERT INTO message_receipts (msg_id, rcpt_link_id, dup)
			VALUES ($1, $2, $3)`,
			req.ID, p.RecipientDeviceLinkID, p.Dup)
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, fmt.Errorf("insert packet/receipt: %w", refErr(err, "packets"))
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}

	for _, p := range req.Packets {
		msg.Packets = append(msg.Packets, models.MessagePacket{
			MessageID:             req.ID,
			SenderDeviceLinkID:    senderLinkID,
			RecipientDeviceLinkID: p.RecipientDeviceLinkID,
			Dup:                   p.Dup,
			SeqNo:                 p.SeqNo,
			Ciphertext:            p.Ciphertext,
			Timestamp:             ts,
		})
		msg.Receipts = append(msg.Receipts, models.MessageReceipt{
			MessageID:             req.ID,
			RecipientDeviceLinkID: p.RecipientDeviceLinkID,
			Dup:                   p.Dup,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}
	return &msg, nil
}

func (s *MessageStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	return loadMessage(ctx, s.pool, id)
}

// PendingFor returns every packet addressed to the device link whose
// receipt is still open (neither received nor rejected), each carrying its
// parent message stripped of sibling packets. Reading never consumes:
// draining the backlog twice returns the same packets until the client
// acknowledges them through the receipt endpoint.
func (s *MessageStore) PendingFor(ctx context.Context, identityID, deviceLinkID uuid.UUID) ([]models.MessagePacket, error) {
	query := `
		SELECT p.msg_id, p.from_link_id, p.rcpt_link_id, p.dup, p.seqno, p.ts, p.ciphertext,
		       m.id, m.from_id, m.rcpt_id, m.packet_count, m.created_at
		FROM message_packets p
		JOIN messages m ON m.id = p.msg_id
		JOIN message_receipts r
		  ON r.msg_id = p.msg_id AND r.rcpt_link_id = p.rcpt_link_id AND r.dup = p.dup
		WHERE p.rcpt_link_id = $1
		  AND r.recv_at IS NULL
		  AND r.rjct_at IS NULL
		ORDER BY m.created_at, p.seqno`

	rows, err := s.pool.Query(ctx, query, deviceLinkID)
	if err != nil {
		return nil, fmt.Errorf("list pending packets: %w", err)
	}
	defer rows.Close()

	packets := make([]models.MessagePacket, 0)
	for rows.Next() {
		var p models.MessagePacket
		var m models.Message
		if err := rows.Scan(
			&p.MessageID,
			&p.SenderDeviceLinkID,
			&p.RecipientDeviceLinkID,
			&p.Dup,
			&p.SeqNo,
			&p.Timestamp,
			&p.Ciphertext,
			&m.ID,
			&m.SenderID,
			&m.RecipientID,
			&m.PacketCount,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending packet: %w", err)
		}
		p.Msg = &m
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending packets: %w", err)
	}
	return packets, nil
}

func loadMessage(ctx context.Context, q querier, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := q.QueryRow(ctx, `
		SELECT id, from_id, rcpt_id, packet_count, created_at
		FROM messages
		WHERE id = $1`, id).Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.PacketCount,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT msg_id, from_link_id, rcpt_link_id, dup, seqno, ts, ciphertext
		FROM message_packets
		WHERE msg_id = $1
		ORDER BY seqno`, id)
	if err != nil {
		return nil, fmt.Errorf("list packets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.MessagePacket
		if err := rows.Scan(
			&p.MessageID,
			&p.SenderDeviceLinkID,
			&p.RecipientDeviceLinkID,
			&p.Dup,
			&p.SeqNo,
			&p.Timestamp,
			&p.Ciphertext,
		); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		msg.Packets = append(msg.Packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packets: %w", err)
	}

	rrows, err := q.Query(ctx, `
		SELECT msg_id, rcpt_link_id, dup, recv_at, rjct_at, read_at
		FROM message_receipts
		WHERE msg_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var r models.MessageReceipt
		if err := rrows.Scan(
			&r.MessageID,
			&r.RecipientDeviceLinkID,
			&r.Dup,
			&r.ReceivedAt,
			&r.RejectedAt,
			&r.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		msg.Receipts = append(msg.Receipts, r)
	}
	if err := rrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}

	return &msg, nil
}

func activeLinksTx(ctx context.Context, q querier, identityID uuid.UUID) ([]models.DeviceLink, error) {
	rows, err := q.Query(ctx, `
		SELECT `+linkColumns+`
		FROM device_links
		WHERE identity_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list active links: %w", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}
