package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opia-app/server/internal/apierr"
	"github.com/opia-app/server/internal/auth"
)

// Context keys for claims stored in gin.Context. Constants so a typo in a
// handler is a compile error, not a silent nil.
const (
	ContextKeyIdentityID   = "identity_id"
	ContextKeyDeviceLinkID = "device_link_id"
	ContextKeyHandle       = "handle"
)

// AuthMiddleware validates the Bearer token and stores the verified actor
// identity and device-link identity in the request context. Handlers never
// parse credentials themselves — they read the verified values back with
// the helpers below.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				apierr.New(apierr.CodeUnauthenticated, "authorization", "missing header"))
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				apierr.New(apierr.CodeUnauthenticated, "authorization", "expected: Bearer <token>"))
			return
		}

		claims, err := auth.ParseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				apierr.New(apierr.CodeUnauthenticated, "authorization", "invalid or expired token"))
			return
		}

		c.Set(ContextKeyIdentityID, claims.IdentityID)
		c.Set(ContextKeyDeviceLinkID, claims.DeviceLinkID)
		c.Set(ContextKeyHandle, claims.Handle)
		c.Next()
	}
}

func GetIdentityID(c *gin.Context) uuid.UUID {
	return getUUID(c, ContextKeyIdentityID)
}

func GetDeviceLinkID(c *gin.Context) uuid.UUID {
	return getUUID(c, ContextKeyDeviceLinkID)
}

func GetHandle(c *gin.Context) string {
	val, exists := c.Get(ContextKeyHandle)
	if !exists {
		return ""
	}
	handle, ok := val.(string)
	if !ok {
		return ""
	}
	return handle
}

func getUUID(c *gin.Context, key string) uuid.UUID {
	val, exists := c.Get(key)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}
