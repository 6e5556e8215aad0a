package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opia-app/server/internal/apierr"
	"github.com/opia-app/server/internal/repository"
)

type DeviceHandler struct {
	devices repository.DeviceRepository
	logger  *zap.Logger
}

func NewDeviceHandler(devices repository.DeviceRepository, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, logger: logger}
}

type upsertDeviceRequest struct {
	Name          string `json:"name"`
	OS            string `json:"os" binding:"required"`
	ClientVersion string `json:"client_version" binding:"required"`
}

// Upsert handles PUT /v1/devices/:id
//
// The client chooses its device id at install time and re-registers on
// every start, so this is public (runs before any session exists) and
// idempotent.
func (h *DeviceHandler) Upsert(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "id", "invalid device id"))
		return
	}

	var req upsertDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.New(apierr.CodeSchema, "body", err.Error()))
		return
	}

	device, err := h.devices.Upsert(c.Request.Context(), deviceID, req.Name, req.OS, req.ClientVersion)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, device)
}
