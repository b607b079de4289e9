package recognition

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MatchDedup suppresses alert refires when the same person keeps matching on
// the same camera. Detections are still persisted; only the published event
// carries the duplicate flag.
type MatchDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewMatchDedup(maxKeys int, ttl time.Duration) *MatchDedup {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	c, _ := lru.New[string, time.Time](maxKeys)
	return &MatchDedup{cache: c, ttl: ttl}
}

// IsDuplicate reports whether key was seen within the TTL window, and marks
// it seen now.
func (d *MatchDedup) IsDuplicate(key string) bool {
	if seenAt, ok := d.cache.Get(key); ok {
		if time.Since(seenAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}

// BuildMatchKey identifies a (tenant, camera, face) match.
func BuildMatchKey(tenantID, cameraID, faceID string) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, cameraID, faceID)
}
