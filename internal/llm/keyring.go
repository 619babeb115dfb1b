package llm

import (
	"sync"
	"time"
)

// KeyRing hands out API keys round-robin. A key that fails is cooled down
// and skipped while another key is available.
type KeyRing struct {
	mu       sync.Mutex
	keys     []string
	next     int
	cooldown time.Duration
	until    map[string]time.Time
	now      func() time.Time
}

func NewKeyRing(keys []string, cooldown time.Duration) *KeyRing {
	var clean []string
	seen := make(map[string]bool)
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		clean = append(clean, k)
	}
	return &KeyRing{
		keys:     clean,
		cooldown: cooldown,
		until:    make(map[string]time.Time),
		now:      time.Now,
	}
}

func (r *KeyRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Next returns the next usable key. When every key is cooling down the one
// that recovers first is returned. An empty ring returns "".
func (r *KeyRing) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}

	now := r.now()
	best := -1
	for i := 0; i < len(r.keys); i++ {
		idx := (r.next + i) % len(r.keys)
		key := r.keys[idx]
		if until, ok := r.until[key]; !ok || !now.Before(until) {
			r.next = idx + 1
			return key
		}
		if best < 0 || r.until[key].Before(r.until[r.keys[best]]) {
			best = idx
		}
	}
	r.next = best + 1
	return r.keys[best]
}

// Fail cools key down.
func (r *KeyRing) Fail(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.until[key] = r.now().Add(r.cooldown)
}

// Succeed clears any cooldown on key.
func (r *KeyRing) Succeed(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.until, key)
}
