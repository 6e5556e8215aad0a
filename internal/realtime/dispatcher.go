package realtime

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opia-app/server/internal/models"
	"github.com/opia-app/server/internal/repository"
)

// Dispatcher bridges the durable message store and the live connection
// registry. It runs strictly after the store commit: a failed or skipped
// push loses nothing, because every packet it handles is already durable
// and reachable through PendingFor.
type Dispatcher struct {
	registry *Registry
	messages repository.MessageRepository
	logger   *zap.Logger
}

func NewDispatcher(registry *Registry, messages repository.MessageRepository, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		messages: messages,
		logger:   logger,
	}
}

// Dispatch pushes each packet of a freshly stored message to whichever of
// its target devices is live right now. Sibling packets address disjoint
// devices, so push order across them is irrelevant; offline targets are
// skipped silently and drain on their next connect.
func (d *Dispatcher) Dispatch(msg *models.Message) {
	for _, packet := range msg.Packets {
		delivered := d.registry.SendTo(packet.RecipientDeviceLinkID, NewChatFrame(*msg, packet))
		d.logger.Debug("dispatch packet",
			zap.String("msg_id", msg.ID.String()),
			zap.String("rcpt_link_id", packet.RecipientDeviceLinkID.String()),
			zap.Bool("delivered", delivered),
		)
	}
}

// PendingFor returns the undelivered backlog for a device link as frames,
// in storage order. Called right after a connection registers, before live
// pushes are relied on; repeat calls are safe because nothing is consumed
// until the client acknowledges receipts.
func (d *Dispatcher) PendingFor(ctx context.Context, identityID, deviceLinkID uuid.UUID) ([]Frame, error) {
	packets, err := d.messages.PendingFor(ctx, identityID, deviceLinkID)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, len(packets))
	for _, packet := range packets {
		msg := models.Message{}
		if packet.Msg != nil {
			msg = *packet.Msg
		}
		frames = append(frames, NewChatFrame(msg, packet))
	}
	return frames, nil
}
