package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"sallie-automation/internal/model"

	"github.com/redis/go-redis/v9"
)

const snapshotTTL = time.Hour

// SnapshotCache mirrors device snapshots into redis so sibling services
// (dashboard, assistant) can read current state without talking to the
// broker. The gateway works fine without it; pass nil to disable.
type SnapshotCache struct {
	rdb *redis.Client
}

func NewSnapshotCache(rdb *redis.Client) *SnapshotCache {
	return &SnapshotCache{rdb: rdb}
}

func (c *SnapshotCache) key(deviceID string) string {
	return "sallie:device:" + deviceID
}

func (c *SnapshotCache) Set(ctx context.Context, dev model.DeviceSnapshot) {
	if c == nil || c.rdb == nil {
		return
	}
	b, err := json.Marshal(dev)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(dev.ID), b, snapshotTTL).Err(); err != nil {
		slog.Debug("snapshot cache set failed", "device_id", dev.ID, "error", err)
	}
}

func (c *SnapshotCache) Get(ctx context.Context, deviceID string) (model.DeviceSnapshot, bool) {
	if c == nil || c.rdb == nil {
		return model.DeviceSnapshot{}, false
	}
	b, err := c.rdb.Get(ctx, c.key(deviceID)).Bytes()
	if err != nil {
		return model.DeviceSnapshot{}, false
	}
	var dev model.DeviceSnapshot
	if err := json.Unmarshal(b, &dev); err != nil {
		return model.DeviceSnapshot{}, false
	}
	return dev, true
}
