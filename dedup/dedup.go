// Package dedup debounces repeated tag reads.
package dedup

import (
	"sync"
	"time"
)

const (
	DefaultTimeout    = 500 * time.Millisecond
	DefaultRetention  = 5 * time.Second
	DefaultMaxEntries = 4096
)

// Deduplicator drops a token seen again within the timeout. A token read
// after the timeout counts as a new read.
type Deduplicator struct {
	mu         sync.Mutex
	timeout    time.Duration
	retention  time.Duration
	maxEntries int
	seen       map[string]time.Time
}

// New creates a Deduplicator. A zero timeout selects DefaultTimeout.
func New(timeout time.Duration) *Deduplicator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retention := DefaultRetention
	if timeout > retention {
		retention = timeout
	}
	return &Deduplicator{
		timeout:    timeout,
		retention:  retention,
		maxEntries: DefaultMaxEntries,
		seen:       make(map[string]time.Time),
	}
}

// Filter reports whether token should be forwarded.
func (d *Deduplicator) Filter(token string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(now)

	if last, ok := d.seen[token]; ok && now.Sub(last) < d.timeout {
		return false
	}

	if _, ok := d.seen[token]; !ok && len(d.seen) >= d.maxEntries {
		d.evictOldest()
	}
	d.seen[token] = now
	return true
}

// Len returns the number of tracked tokens.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset forgets every token.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]time.Time)
	d.mu.Unlock()
}

func (d *Deduplicator) prune(now time.Time) {
	for token, last := range d.seen {
		if now.Sub(last) > d.retention {
			delete(d.seen, token)
		}
	}
}

func (d *Deduplicator) evictOldest() {
	var oldest string
	var oldestAt time.Time
	for token, last := range d.seen {
		if oldest == "" || last.Before(oldestAt) {
			oldest, oldestAt = token, last
		}
	}
	delete(d.seen, oldest)
}
