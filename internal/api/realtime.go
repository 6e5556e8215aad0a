package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opia-app/server/internal/middleware"
	"github.com/opia-app/server/internal/presence"
	"github.com/opia-app/server/internal/realtime"
)

// RealtimeHandler owns the websocket lifecycle for one device link:
// upgrade, register (evicting any duplicate session), drain the backlog,
// then read until the peer goes away. The socket is server-push only;
// client acknowledgments travel over the HTTP receipt endpoint, which is
// better defined than an in-band frame.
type RealtimeHandler struct {
	registry   *realtime.Registry
	dispatcher *realtime.Dispatcher
	presence   *presence.Tracker
	logger     *zap.Logger

	upgrader websocket.Upgrader
}

func NewRealtimeHandler(
	registry *realtime.Registry,
	dispatcher *realtime.Dispatcher,
	tracker *presence.Tracker,
	logger *zap.Logger,
) *RealtimeHandler {
	return &RealtimeHandler{
		registry:   registry,
		dispatcher: dispatcher,
		presence:   tracker,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Token auth already gates this endpoint; origin checks are
			// for cookie-authenticated browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect handles GET /v1/rt (behind AuthMiddleware).
func (h *RealtimeHandler) Connect(c *gin.Context) {
	identityID := middleware.GetIdentityID(c)
	deviceLinkID := middleware.GetDeviceLinkID(c)
	handle := middleware.GetHandle(c)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewWSConn(ws, identityID, deviceLinkID, handle, h.logger)
	go conn.WritePump()

	// The socket outlives the HTTP request; presence and cleanup must not
	// die with the request context.
	ctx := context.Background()

	h.registry.Register(conn)
	if err := h.presence.SetOnline(ctx, deviceLinkID); err != nil {
		h.logger.Warn("set presence failed", zap.String("conn", conn.Name()), zap.Error(err))
	}

	ws.SetPongHandler(func(string) error {
		h.presence.Touch(ctx, deviceLinkID)
		return nil
	})

	// Drain the backlog before relying on live pushes. Order relative to
	// concurrent pushes is not guaranteed; receipts are idempotent so the
	// client tolerates seeing a packet on both paths.
	frames, err := h.dispatcher.PendingFor(ctx, identityID, deviceLinkID)
	if err != nil {
		h.logger.Error("drain pending failed", zap.String("conn", conn.Name()), zap.Error(err))
	}
	for _, frame := range frames {
		if err := conn.Send(frame); err != nil {
			h.logger.Warn("drain push failed", zap.String("conn", conn.Name()), zap.Error(err))
			break
		}
	}

	// Read loop. The core acts on nothing the client sends here — frames
	// are logged and dropped — but reading is what detects disconnect and
	// delivers pongs.
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read error", zap.String("conn", conn.Name()), zap.Error(err))
			}
			break
		}
		h.logger.Warn("unexpected client frame",
			zap.String("conn", conn.Name()),
			zap.Int("len", len(payload)),
		)
	}

	// Unregister before the slot can be reclaimed. If this connection was
	// evicted, the compare-and-remove fails and the replacement's slot —
	// and its presence marker — stay intact.
	if h.registry.Unregister(conn) {
		h.presence.SetOffline(ctx, deviceLinkID)
	}
	conn.Close()
	h.logger.Info("connection closed", zap.String("conn", conn.Name()))
}
