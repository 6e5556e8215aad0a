package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/opia-app/server/internal/apierr"
	"github.com/opia-app/server/internal/models"
	"github.com/opia-app/server/internal/presence"
	"github.com/opia-app/server/internal/repository"
)

type IdentityHandler struct {
	identities repository.IdentityRepository
	links      repository.DeviceLinkRepository
	presence   *presence.Tracker
	logger     *zap.Logger
}

func NewIdentityHandler(
	identities repository.IdentityRepository,
	links repository.DeviceLinkRepository,
	tracker *presence.Tracker,
	logger *zap.Logger,
) *IdentityHandler {
	return &IdentityHandler{
		identities: identities,
		links:      links,
		presence:   tracker,
		logger:     logger,
	}
}

type createIdentityRequest struct {
	Handle   string `json:"handle" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Kind     string `json:"kind"`
}

// Create handles POST /v1/identities
func (h *IdentityHandler) Create(c *gin.Context) {
	var req createIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "body", err.Error()))
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = models.IdentityKindAccount
	}
	switch kind {
	case models.IdentityKindAccount, models.IdentityKindGroup,
		models.IdentityKindChannel, models.IdentityKindBot:
	default:
		c.JSON(http.StatusUnprocessableEntity, apierr.New(apierr.CodeSchema, "kind", "unknown identity kind"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	identity, err := h.identities.Create(c.Request.Context(), req.Handle, kind, string(hash))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, identity)
}

// Get handles GET /v1/identities/:id
func (h *IdentityHandler) Get(c *gin.Context) {
	identityID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "id", "invalid identity id"))
		return
	}

	identity, err := h.identities.GetByID(c.Request.Context(), identityID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if identity == nil {
		c.JSON(http.StatusNotFound, apierr.Reference("id", "identity not found"))
		return
	}
	c.JSON(http.StatusOK, identity)
}

// ListLinks handles GET /v1/identities/:id/links
//
// This is fanout target discovery: a sender fetches the recipient's active
// device links here, encrypts one packet per link, and submits. The store
// re-validates the set at submission time, so a list stale by the time the
// message arrives is rejected, not partially delivered.
func (h *IdentityHandler) ListLinks(c *gin.Context) {
	identityID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "id", "invalid identity id"))
		return
	}

	links, err := h.links.ActiveLinks(c.Request.Context(), identityID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

type presenceResponse struct {
	IdentityID  uuid.UUID   `json:"identity_id"`
	Online      bool        `json:"online"`
	OnlineLinks []uuid.UUID `json:"online_links"`
}

// Presence handles GET /v1/identities/:id/presence
func (h *IdentityHandler) Presence(c *gin.Context) {
	identityID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "id", "invalid identity id"))
		return
	}
	ctx := c.Request.Context()

	links, err := h.links.ActiveLinks(ctx, identityID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	ids := make([]uuid.UUID, len(links))
	for i, link := range links {
		ids[i] = link.ID
	}
	online, err := h.presence.OnlineLinks(ctx, ids)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, presenceResponse{
		IdentityID:  identityID,
		Online:      len(online) > 0,
		OnlineLinks: online,
	})
}
