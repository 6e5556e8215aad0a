package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/opia-app/server/internal/models"
)

// Every method takes a context: all of these hit the database, and the
// context carries the request deadline — a cancelled request cancels its
// queries instead of leaving them running.

// IdentityRepository handles addressable actors (accounts, groups, bots).
type IdentityRepository interface {
	// Create inserts an identity with a bcrypt password hash.
	Create(ctx context.Context, handle, kind, passwordHash string) (*models.Identity, error)

	// GetByID returns nil, nil when not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error)

	// GetByHandle returns the identity and its password hash for login.
	// Returns nil, "", nil when not found.
	GetByHandle(ctx context.Context, handle string) (*models.Identity, string, error)
}

// DeviceRepository handles client installations. Devices upsert themselves
// under a client-chosen ID so a reinstall keeps its identity.
type DeviceRepository interface {
	Upsert(ctx context.Context, id uuid.UUID, name, os, clientVersion string) (*models.Device, error)

	// GetByID returns nil, nil when not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
}

// DeviceLinkRepository is the device link registry: the durable mapping
// from (identity, device) to the device-link id packets are addressed to.
type DeviceLinkRepository interface {
	// Link creates a new active link. Links for OTHER devices of the same
	// identity are left alone — one identity holds many live links.
	// Unknown identity or device surfaces as a reference error.
	Link(ctx context.Context, identityID, deviceID uuid.UUID) (*models.DeviceLink, error)

	// Relink soft-deletes any active link for this exact (identity, device)
	// pair and creates a fresh one. Called on re-authentication so packets
	// can never be addressed to a stale session.
	Relink(ctx context.Context, identityID, deviceID uuid.UUID) (*models.DeviceLink, error)

	// ActiveLinks returns the current fanout target set for an identity.
	ActiveLinks(ctx context.Context, identityID uuid.UUID) ([]models.DeviceLink, error)

	// GetByID returns nil, nil when not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.DeviceLink, error)
}

// MessageRepository persists logical messages and their per-device packets.
type MessageRepository interface {
	// Submit idempotently creates a message, its packets and its zeroed
	// receipts in one transaction. If req.ID already exists the stored
	// message is returned unchanged and nothing is written. The packet set
	// must address the recipient's active links exactly; mismatches
	// surface as apierr validation errors and nothing is written.
	Submit(ctx context.Context, senderID, senderLinkID uuid.UUID, req models.SubmitMessage) (*models.Message, error)

	// GetByID returns the message with packets and receipts attached.
	// Returns nil, nil when not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)

	// PendingFor returns packets addressed to a device link whose receipt
	// has neither a received nor a rejected timestamp, each with its parent
	// message attached (itself packet-stripped). Calling it never consumes
	// anything — consumption goes through ReceiptRepository.
	PendingFor(ctx context.Context, identityID, deviceLinkID uuid.UUID) ([]models.MessagePacket, error)
}

// ReceiptRepository tracks per-attempt delivery state. All marks are
// set-once: marking an already-set timestamp is a no-op, not an error,
// because clients retry acknowledgments.
type ReceiptRepository interface {
	MarkReceived(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) error
	MarkRejected(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) error
	MarkRead(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) error

	// Get returns nil, nil when no receipt exists for the attempt.
	Get(ctx context.Context, messageID, deviceLinkID uuid.UUID, dup int) (*models.MessageReceipt, error)

	// NextAttempt opens a new retransmission epoch: it inserts a fresh
	// receipt row with dup = max(dup)+1 for the (message, link) pair.
	// Existing rows are never mutated, so attempt history is preserved.
	NextAttempt(ctx context.Context, messageID, deviceLinkID uuid.UUID) (*models.MessageReceipt, error)
}
