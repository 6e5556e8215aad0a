package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opia-app/server/internal/apierr"
	"github.com/opia-app/server/internal/middleware"
	"github.com/opia-app/server/internal/models"
	"github.com/opia-app/server/internal/realtime"
	"github.com/opia-app/server/internal/repository"
)

type MessageHandler struct {
	messages   repository.MessageRepository
	receipts   repository.ReceiptRepository
	dispatcher *realtime.Dispatcher
	logger     *zap.Logger
}

func NewMessageHandler(
	messages repository.MessageRepository,
	receipts repository.ReceiptRepository,
	dispatcher *realtime.Dispatcher,
	logger *zap.Logger,
) *MessageHandler {
	return &MessageHandler{
		messages:   messages,
		receipts:   receipts,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Submit handles POST /v1/messages
//
// The store does all validation and persists atomically; only after that
// commit does the dispatcher push to live connections. An offline target
// is not a failure — its packet waits for the pull path.
func (h *MessageHandler) Submit(c *gin.Context) {
	var req models.SubmitMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "body", err.Error()))
		return
	}

	senderID := middleware.GetIdentityID(c)
	senderLinkID := middleware.GetDeviceLinkID(c)

	msg, err := h.messages.Submit(c.Request.Context(), senderID, senderLinkID, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.dispatcher.Dispatch(msg)

	c.JSON(http.StatusCreated, msg)
}

// Pending handles GET /v1/messages/pending
//
// Returns the caller's undelivered backlog. Intended to be called right
// after the realtime connection is established; harmless to call again
// since nothing is consumed until receipts are acknowledged.
func (h *MessageHandler) Pending(c *gin.Context) {
	identityID := middleware.GetIdentityID(c)
	deviceLinkID := middleware.GetDeviceLinkID(c)

	packets, err := h.messages.PendingFor(c.Request.Context(), identityID, deviceLinkID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if packets == nil {
		packets = []models.MessagePacket{}
	}
	c.JSON(http.StatusOK, packets)
}

// Receipt statuses accepted by Acknowledge.
const (
	receiptStatusReceived = "received"
	receiptStatusRejected = "rejected"
	receiptStatusRead     = "read"
)

type acknowledgeRequest struct {
	Status string `json:"status" binding:"required"`
	Dup    int    `json:"dup"`
}

// Acknowledge handles PUT /v1/messages/:id/receipt
//
// The acting device link comes from the token, so a client can only ever
// acknowledge its own packets. Marks are idempotent: re-sending an
// acknowledgment is a no-op, because clients retry and frames arrive out
// of order across the push and pull paths.
func (h *MessageHandler) Acknowledge(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "id", "invalid message id"))
		return
	}

	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "body", err.Error()))
		return
	}

	deviceLinkID := middleware.GetDeviceLinkID(c)
	ctx := c.Request.Context()

	switch req.Status {
	case receiptStatusReceived:
		err = h.receipts.MarkReceived(ctx, messageID, deviceLinkID, req.Dup)
	case receiptStatusRejected:
		err = h.receipts.MarkRejected(ctx, messageID, deviceLinkID, req.Dup)
	case receiptStatusRead:
		// read is only meaningful after received; enforced here at the
		// boundary, the store itself stays order-agnostic.
		var receipt *models.MessageReceipt
		receipt, err = h.receipts.Get(ctx, messageID, deviceLinkID, req.Dup)
		if err == nil && receipt == nil {
			err = apierr.Reference("receipt", "no receipt for this message/device-link/dup")
		}
		if err == nil && receipt.ReceivedAt == nil {
			err = apierr.Constraint("status", "read acknowledgment before received")
		}
		if err == nil {
			err = h.receipts.MarkRead(ctx, messageID, deviceLinkID, req.Dup)
		}
	default:
		c.JSON(http.StatusUnprocessableEntity,
			apierr.New(apierr.CodeSchema, "status", "expected received, rejected or read"))
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	receipt, err := h.receipts.Get(ctx, messageID, deviceLinkID, req.Dup)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}
