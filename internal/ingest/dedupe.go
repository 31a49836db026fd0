package ingest

import (
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"proctorguard/internal/model"
)

type Fingerprint struct {
	Hi, Lo uint64
}

// FingerprintOf hashes every field that identifies an event. Source and Raw
// are excluded so the same event replayed through two transports collides.
func FingerprintOf(ev model.InputEvent) Fingerprint {
	h := murmur3.New128()
	buf := make([]byte, 0, 128)
	buf = append(buf, ev.SessionID...)
	buf = append(buf, 0)
	buf = append(buf, ev.Kind...)
	buf = append(buf, 0)
	buf = append(buf, ev.Key...)
	buf = append(buf, 0)
	buf = strconv.AppendFloat(buf, ev.X, 'g', -1, 64)
	buf = append(buf, 0)
	buf = strconv.AppendFloat(buf, ev.Y, 'g', -1, 64)
	buf = append(buf, 0)
	buf = append(buf, ev.Button...)
	buf = strconv.AppendBool(buf, ev.Pressed)
	buf = append(buf, 0)
	buf = append(buf, ev.FromWindow...)
	buf = append(buf, 0)
	buf = append(buf, ev.ToWindow...)
	buf = append(buf, 0)
	buf = append(buf, ev.Window...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, ev.Timestamp.UnixNano(), 10)
	h.Write(buf)
	hi, lo := h.Sum128()
	return Fingerprint{Hi: hi, Lo: lo}
}

type DedupeCache struct {
	mu    sync.Mutex
	items map[Fingerprint]time.Time
	limit int
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[Fingerprint]time.Time), limit: 10000}
}

// Seen reports whether key was recorded within ttl of now, and records it
// otherwise.
func (d *DedupeCache) Seen(key Fingerprint, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > d.limit {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}
