package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DetectionTTL bounds how long the latest-detection overlay stays served
// after detections stop.
const DetectionTTL = 10 * time.Second

// LatestCache keeps the most recent detection batch per (tenant, camera) so
// UI overlays can poll without touching Postgres.
type LatestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLatestCache(rdb *redis.Client) *LatestCache {
	return &LatestCache{rdb: rdb, ttl: DetectionTTL}
}

func latestKey(tenantID, cameraID string) string {
	return fmt.Sprintf("det:latest:%s:%s", tenantID, cameraID)
}

// StoreLatest overwrites the cached batch for the camera.
func (c *LatestCache) StoreLatest(ctx context.Context, event DetectionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal latest detections: %w", err)
	}
	return c.rdb.Set(ctx, latestKey(event.TenantID, event.CameraID), data, c.ttl).Err()
}

// GetLatest returns the cached batch, or (nil, nil) when none is live.
func (c *LatestCache) GetLatest(ctx context.Context, tenantID, cameraID string) (*DetectionEvent, error) {
	data, err := c.rdb.Get(ctx, latestKey(tenantID, cameraID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var event DetectionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal latest detections: %w", err)
	}
	return &event, nil
}
