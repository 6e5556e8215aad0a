package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the payload of every access token.
//
// A token identifies not just WHO is calling (IdentityID) but from WHICH
// device session (DeviceLinkID). The device link is the unit of message
// addressing, so the realtime endpoint and the receipt endpoints need it
// on every request without an extra lookup.
type Claims struct {
	IdentityID   uuid.UUID `json:"identity_id"`
	DeviceLinkID uuid.UUID `json:"device_link_id"`
	Handle       string    `json:"handle"`
	jwt.RegisteredClaims
}

const tokenTTL = 24 * time.Hour

// GenerateToken creates a signed HS256 access token for one device session.
func GenerateToken(identityID, deviceLinkID uuid.UUID, handle, secret string) (string, error) {
	now := time.Now()
	claims := Claims{
		IdentityID:   identityID,
		DeviceLinkID: deviceLinkID,
		Handle:       handle,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "opia",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates signature, expiry and signing method, and returns
// the embedded claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		// Reject anything but HMAC. Without this check a client could
		// send an alg:none token and skip signature verification.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
