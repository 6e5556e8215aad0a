package models

import (
	"time"

	"github.com/google/uuid"
)

// These are the API/wire shapes. The postgres package keeps its own private
// row structs and maps into these at the store boundary — the persisted
// layout (internal ids, FK columns) never leaks into a response by accident.

// Identity is an addressable actor: an account, group, channel or bot.
// Messages are addressed to identities; delivery happens per device link.
type Identity struct {
	ID        uuid.UUID `json:"id"`
	Handle    string    `json:"handle"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity kinds. Plain strings, validated at the handler layer.
const (
	IdentityKindAccount = "account"
	IdentityKindGroup   = "group"
	IdentityKindChannel = "channel"
	IdentityKindBot     = "bot"
)

// Device is one client installation. The client chooses its own ID at
// install time and upserts it, so reinstalls keep a stable identity.
type Device struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	OS            string    `json:"os"`
	ClientVersion string    `json:"client_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeviceLink binds one device to one identity. Its ID is the unit of
// message addressing: every packet targets exactly one device link.
//
// At most one link per (identity, device) pair is active (DeletedAt nil)
// at a time. Re-authenticating the same device soft-deletes the old link
// and creates a fresh one, so a stale session can never receive packets
// under the old address. Other devices of the same identity are untouched —
// multi-device is the point.
type DeviceLink struct {
	ID         uuid.UUID  `json:"id"`
	IdentityID uuid.UUID  `json:"identity_id"`
	DeviceID   uuid.UUID  `json:"device_id"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Message is one logical send event. The client supplies the ID, which is
// what makes submission retryable: resubmitting the same ID returns the
// originally stored message untouched.
type Message struct {
	ID          uuid.UUID        `json:"id"`
	SenderID    uuid.UUID        `json:"from_id"`
	RecipientID uuid.UUID        `json:"rcpt_id"`
	PacketCount int              `json:"packet_count"`
	Packets     []MessagePacket  `json:"packets,omitempty"`
	Receipts    []MessageReceipt `json:"receipts,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// WithoutPackets returns a copy with the packet and receipt collections
// stripped. Used on the realtime path so each device sees only its own
// ciphertext, never its siblings'.
func (m Message) WithoutPackets() Message {
	m.Packets = nil
	m.Receipts = nil
	return m
}

// MessagePacket is the ciphertext of one message for exactly one device
// link. Ciphertext is opaque here — encryption happens end to end between
// clients; []byte marshals to base64 in JSON.
//
// Msg is only populated on the pull path, where packets travel without a
// surrounding message; it is nil inside Message.Packets to avoid recursion.
type MessagePacket struct {
	MessageID             uuid.UUID `json:"msg_id"`
	SenderDeviceLinkID    uuid.UUID `json:"from_link_id"`
	RecipientDeviceLinkID uuid.UUID `json:"rcpt_link_id"`
	Dup                   int       `json:"dup"`
	SeqNo                 int       `json:"seqno"`
	Ciphertext            []byte    `json:"ciphertext"`
	Timestamp             time.Time `json:"timestamp"`
	Msg                   *Message  `json:"msg,omitempty"`
}

// MessageReceipt tracks one delivery attempt of one packet. Dup is the
// retransmission epoch: a resend gets a new receipt row with dup+1, the
// original row is never rewritten, so the full attempt history stays
// queryable.
type MessageReceipt struct {
	MessageID             uuid.UUID  `json:"msg_id"`
	RecipientDeviceLinkID uuid.UUID  `json:"rcpt_link_id"`
	Dup                   int        `json:"dup"`
	ReceivedAt            *time.Time `json:"recv_at,omitempty"`
	RejectedAt            *time.Time `json:"rjct_at,omitempty"`
	ReadAt                *time.Time `json:"read_at,omitempty"`
}

// SubmitMessage is the POST /v1/messages request body.
type SubmitMessage struct {
	ID          uuid.UUID      `json:"id" binding:"required"`
	RecipientID uuid.UUID      `json:"rcpt_id" binding:"required"`
	Timestamp   time.Time      `json:"timestamp"`
	Packets     []SubmitPacket `json:"packets"`
}

// SubmitPacket is one ciphertext in a submission, addressed by the sender
// to one of the recipient's device links.
type SubmitPacket struct {
	RecipientDeviceLinkID uuid.UUID `json:"rcpt_link_id"`
	Dup                   int       `json:"dup"`
	SeqNo                 int       `json:"seqno"`
	Ciphertext            []byte    `json:"ciphertext"`
}
