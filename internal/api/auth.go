package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/opia-app/server/internal/apierr"
	"github.com/opia-app/server/internal/auth"
	"github.com/opia-app/server/internal/models"
	"github.com/opia-app/server/internal/repository"
)

// AuthHandler issues session credentials — the only way to obtain a
// device-link id. Login relinks the device: the old link for this exact
// (identity, device) pair is retired so a stale session can never be
// addressed again, and the fresh link id is baked into the token.
type AuthHandler struct {
	identities repository.IdentityRepository
	devices    repository.DeviceRepository
	links      repository.DeviceLinkRepository
	jwtSecret  string
	logger     *zap.Logger
}

func NewAuthHandler(
	identities repository.IdentityRepository,
	devices repository.DeviceRepository,
	links repository.DeviceLinkRepository,
	jwtSecret string,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		identities: identities,
		devices:    devices,
		links:      links,
		jwtSecret:  jwtSecret,
		logger:     logger,
	}
}

type loginRequest struct {
	Handle   string    `json:"handle" binding:"required"`
	Password string    `json:"password" binding:"required"`
	DeviceID uuid.UUID `json:"device_id" binding:"required"`
}

type loginResponse struct {
	Token      string            `json:"token"`
	Identity   models.Identity   `json:"identity"`
	DeviceLink models.DeviceLink `json:"device_link"`
}

// Login handles POST /v1/sessions
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "body", err.Error()))
		return
	}
	ctx := c.Request.Context()

	identity, hash, err := h.identities.GetByHandle(ctx, req.Handle)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if identity == nil {
		// Same response as a wrong password: don't leak which handles exist.
		c.JSON(http.StatusUnauthorized, apierr.New(apierr.CodeUnauthenticated, "handle", "invalid credentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, apierr.New(apierr.CodeUnauthenticated, "handle", "invalid credentials"))
		return
	}

	device, err := h.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if device == nil {
		c.JSON(http.StatusNotFound, apierr.Reference("device_id", "device not registered"))
		return
	}

	link, err := h.links.Relink(ctx, identity.ID, device.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	token, err := auth.GenerateToken(identity.ID, link.ID, identity.Handle, h.jwtSecret)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("session created",
		zap.String("identity_id", identity.ID.String()),
		zap.String("device_link_id", link.ID.String()),
	)
	c.JSON(http.StatusCreated, loginResponse{
		Token:      token,
		Identity:   *identity,
		DeviceLink: *link,
	})
}
