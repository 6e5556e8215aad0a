package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opia-app/server/internal/apierr"
)

// respondError maps a structured *apierr.Error to its HTTP status and wire
// shape. Anything else is a storage or programming fault: logged with the
// cause, surfaced to the client as an opaque internal error.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	if e, ok := apierr.From(err); ok {
		c.JSON(apierr.HTTPStatus(e.Code), e)
		return
	}
	logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, apierr.Internal())
}
