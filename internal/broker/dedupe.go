package broker

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Dedupe suppresses redeliveries within a TTL window. The transport is
// at-least-once, so the executor intake runs every JOB_SUBMIT key
// through one of these before queueing.
type Dedupe struct {
	cache *expirable.LRU[string, struct{}]
}

// NewDedupe creates a dedupe window. maxSize bounds memory; entries
// also age out after ttl.
func NewDedupe(ttl time.Duration, maxSize int) *Dedupe {
	return &Dedupe{cache: expirable.NewLRU[string, struct{}](maxSize, nil, ttl)}
}

// Seen reports whether key was observed within the window, recording
// it for subsequent calls when it was not.
func (d *Dedupe) Seen(key string) bool {
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Forget drops a key so a later redelivery is treated as fresh.
func (d *Dedupe) Forget(key string) {
	d.cache.Remove(key)
}
