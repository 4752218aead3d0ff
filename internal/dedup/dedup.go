// Package dedup short-circuits accidental repeat requests. A fingerprint of
// (user, intent, entities, minute bucket) is cached with the response that
// was served; an identical request inside the TTL replays the cached response
// instead of re-running the pipeline. Explicit "send it again" phrasing
// bypasses the cache.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"campusdesk/internal/logging"
	"campusdesk/internal/protocol"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// bypassKeywords mark a deliberate repeat. Matched as substrings of the
// lowercased message.
var bypassKeywords = []string{
	"retry",
	"resend",
	"send again",
	"try again",
	"once more",
	"one more time",
	"please send",
	"send it",
	"do it again",
}

// CachedResponse is a previously served envelope plus when it was cached.
type CachedResponse struct {
	Envelope *protocol.Envelope
	CachedAt time.Time
}

// Cache is the TTL-bounded duplicate-request cache.
type Cache struct {
	lru *expirable.LRU[string, CachedResponse]
	ttl time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a dedup cache. ttl <= 0 defaults to 30s, size <= 0 to 1024.
func New(ttl time.Duration, size int) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if size <= 0 {
		size = 1024
	}
	return &Cache{
		lru: expirable.NewLRU[string, CachedResponse](size, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
}

// Fingerprint derives the dedup key:
// sha256(userID | intent | sorted-entities-JSON | minute-bucket).
// The minute bucket floors the unix timestamp to 60s so the same request a
// minute later is a fresh fingerprint even within a long TTL.
func (c *Cache) Fingerprint(userID, intent string, entities map[string]string) string {
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sorted := make(map[string]string, len(entities))
	for _, k := range keys {
		sorted[k] = entities[k]
	}
	entitiesJSON, _ := json.Marshal(sorted)

	bucket := c.now().Unix() / 60 * 60
	raw := fmt.Sprintf("%s|%s|%s|%d", userID, intent, entitiesJSON, bucket)

	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ShouldBypass reports whether the message explicitly asks for a repeat.
func ShouldBypass(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range bypassKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// CheckDuplicate returns the cached envelope for the fingerprint if the
// request is a duplicate. Bypass phrasing always misses.
func (c *Cache) CheckDuplicate(fingerprint, message string) (*protocol.Envelope, bool) {
	if ShouldBypass(message) {
		logging.Dedup("BYPASS | %s", fingerprint[:12])
		return nil, false
	}

	cached, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}

	logging.Dedup("DUPLICATE_HIT | %s | cached %s ago", fingerprint[:12], c.now().Sub(cached.CachedAt).Round(time.Millisecond))
	return cached.Envelope, true
}

// CacheResponse stores the served envelope under the fingerprint.
// Error envelopes are not cached - a transient failure should not replay.
func (c *Cache) CacheResponse(fingerprint string, env *protocol.Envelope) {
	if env == nil {
		return
	}
	if env.AgentOutput != nil && env.AgentOutput.Status == protocol.StatusError {
		return
	}
	c.lru.Add(fingerprint, CachedResponse{Envelope: env, CachedAt: c.now()})
}

// Clear drops all cached responses.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len reports the number of live cache entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
