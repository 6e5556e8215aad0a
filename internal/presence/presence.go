package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Tracker keeps per-device-link online markers in redis.
//
// One key per live device link, expiring after TTL unless the websocket's
// pong handler refreshes it. Keys (not a set) because redis TTLs apply per
// key — a dead connection's marker ages out on its own even if the server
// that owned it crashed without cleaning up.
type Tracker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewTracker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{rdb: rdb, ttl: ttl, logger: logger}
}

func key(deviceLinkID uuid.UUID) string {
	return "presence:link:" + deviceLinkID.String()
}

// SetOnline marks a device link online. Called when its websocket
// registers.
func (t *Tracker) SetOnline(ctx context.Context, deviceLinkID uuid.UUID) error {
	if err := t.rdb.Set(ctx, key(deviceLinkID), time.Now().Unix(), t.ttl).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Touch refreshes the TTL. Wired to the websocket pong handler.
func (t *Tracker) Touch(ctx context.Context, deviceLinkID uuid.UUID) {
	if err := t.rdb.Expire(ctx, key(deviceLinkID), t.ttl).Err(); err != nil {
		t.logger.Debug("refresh presence failed",
			zap.String("link_id", deviceLinkID.String()),
			zap.Error(err),
		)
	}
}

// SetOffline clears the marker on disconnect. Best effort — a missed
// delete just means the key lives until its TTL.
func (t *Tracker) SetOffline(ctx context.Context, deviceLinkID uuid.UUID) {
	if err := t.rdb.Del(ctx, key(deviceLinkID)).Err(); err != nil {
		t.logger.Debug("clear presence failed",
			zap.String("link_id", deviceLinkID.String()),
			zap.Error(err),
		)
	}
}

// OnlineLinks filters the given device links down to the ones currently
// marked online, in one MGET.
func (t *Tracker) OnlineLinks(ctx context.Context, deviceLinkIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(deviceLinkIDs) == 0 {
		return []uuid.UUID{}, nil
	}

	keys := make([]string, len(deviceLinkIDs))
	for i, id := range deviceLinkIDs {
		keys[i] = key(id)
	}

	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	online := make([]uuid.UUID, 0, len(deviceLinkIDs))
	for i, val := range vals {
		if val != nil {
			online = append(online, deviceLinkIDs[i])
		}
	}
	return online, nil
}
