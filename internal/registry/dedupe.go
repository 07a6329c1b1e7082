package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"telewindow/internal/model"
)

const dedupeCompactAt = 10000

// DedupeCache remembers message hashes per widget for a ttl so an
// at-least-once source cannot replay an older aggregated result over a
// newer one.
type DedupeCache struct {
	mu       sync.Mutex
	byWidget map[string]map[string]time.Time
	size     int
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{byWidget: make(map[string]map[string]time.Time)}
}

func (d *DedupeCache) Seen(widgetID, hash string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen, ok := d.byWidget[widgetID]
	if !ok {
		seen = make(map[string]time.Time)
		d.byWidget[widgetID] = seen
	}
	if ts, ok := seen[hash]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	} else {
		d.size++
	}
	seen[hash] = now
	if d.size > dedupeCompactAt {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) Forget(widgetID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.size -= len(d.byWidget[widgetID])
	delete(d.byWidget, widgetID)
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for widgetID, seen := range d.byWidget {
		for hash, ts := range seen {
			if now.Sub(ts) > ttl {
				delete(seen, hash)
				d.size--
			}
		}
		if len(seen) == 0 {
			delete(d.byWidget, widgetID)
		}
	}
}

// hashMessage fingerprints the message body. The embedded widget id is
// cleared so routing by record key or query parameter hashes the same.
func hashMessage(msg model.TelemetryMessage) string {
	msg.WidgetID = ""
	data, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
