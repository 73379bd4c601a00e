package gateway

import (
	"fmt"
	"sync"
	"time"
)

// Deduplicator suppresses exchange events that arrive more than once. The key
// is the (event type, event id, reported timestamp) tuple; the timestamp is
// keyed verbatim, so two fills that differ only by their exchange-reported
// time are treated as distinct physical fills. It is safe for concurrent use.
type Deduplicator struct {
	seen       map[string]time.Time // key -> insertion time
	ttl        time.Duration
	maxEntries int
	mu         sync.Mutex
}

// NewDeduplicator creates a Deduplicator holding at most maxEntries keys,
// each considered a duplicate for ttl after first sight.
func NewDeduplicator(maxEntries int, ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// IsDuplicate returns true if the (eventType, eventID, eventTime) tuple has
// been seen within the TTL window. A first sight (or an expired entry) is
// recorded and false is returned. Recording may evict the oldest entry to
// respect the size bound.
func (d *Deduplicator) IsDuplicate(eventType, eventID string, eventTime time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupKey(eventType, eventID, eventTime)
	now := time.Now()
	if insertedAt, ok := d.seen[key]; ok {
		if now.Sub(insertedAt) < d.ttl {
			return true
		}
	}

	if len(d.seen) >= d.maxEntries {
		d.evictOldestLocked()
	}
	d.seen[key] = now
	return false
}

// Cleanup removes entries older than the TTL and returns how many were
// evicted. Call periodically to keep the map from holding expired keys
// between capacity evictions.
func (d *Deduplicator) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	evicted := 0
	for key, insertedAt := range d.seen {
		if now.Sub(insertedAt) >= d.ttl {
			delete(d.seen, key)
			evicted++
		}
	}
	return evicted
}

// TTL returns the configured entry lifetime.
func (d *Deduplicator) TTL() time.Duration {
	return d.ttl
}

// Clear drops every tracked entry. Used on deliberate disconnect so a fresh
// session starts with an empty window.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
}

// Len returns the number of tracked entries.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evictOldestLocked removes the entry with the earliest insertion time.
// Caller must hold d.mu.
func (d *Deduplicator) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, at := range d.seen {
		if first || at.Before(oldestAt) {
			oldestKey, oldestAt = key, at
			first = false
		}
	}
	if !first {
		delete(d.seen, oldestKey)
	}
}

// dedupKey builds the composite cache key. The timestamp keeps nanosecond
// precision on purpose; see the type comment.
func dedupKey(eventType, eventID string, eventTime time.Time) string {
	return fmt.Sprintf("%s|%s|%d", eventType, eventID, eventTime.UnixNano())
}
