// Package ratelimit implements the per-(device, operation) token-bucket
// abuse layer.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation names the throttled action. Keys are (device_id, Operation).
type Operation string

const (
	OpSendPerConv     Operation = "send_per_conv"
	OpSocialPublish   Operation = "social_publish"
	OpDMCreate        Operation = "dm_create"
	OpKeyPackageFetch Operation = "keypackage_fetch"
	OpPresence        Operation = "presence_op"
	OpConnectionFrame Operation = "connection_frame"
)

// Policy is a token-bucket rate/burst pair for one operation.
type Policy struct {
	Rate  float64 // tokens per second
	Burst int
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter enforces per-(device_id, operation) token buckets. Buckets idle
// longer than evictAfter are reclaimed by a background goroutine so the
// map does not grow unbounded across the gateway's lifetime.
type Limiter struct {
	mu         sync.Mutex
	policies   map[Operation]Policy
	buckets    map[string]*bucketEntry
	evictAfter time.Duration
	stop       chan struct{}
}

// New builds a limiter with the given per-operation policies and starts its
// eviction goroutine.
func New(policies map[Operation]Policy) *Limiter {
	l := &Limiter{
		policies:   policies,
		buckets:    make(map[string]*bucketEntry),
		evictAfter: 10 * time.Minute,
		stop:       make(chan struct{}),
	}
	l.startEviction()
	return l
}

func bucketKey(deviceID string, op Operation) string {
	return deviceID + "\x00" + string(op)
}

// Allow reports whether one token is available for (deviceID, op), and if
// not, the duration until the next token would become available.
func (l *Limiter) Allow(deviceID string, op Operation) (bool, time.Duration) {
	policy, ok := l.policies[op]
	if !ok || policy.Rate <= 0 {
		return true, 0
	}

	key := bucketKey(deviceID, op)

	l.mu.Lock()
	entry, exists := l.buckets[key]
	if !exists {
		entry = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(policy.Rate), policy.Burst)}
		l.buckets[key] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	res := limiter.Reserve()
	if !res.OK() {
		return false, 0
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// startEviction periodically removes buckets idle longer than evictAfter.
func (l *Limiter) startEviction() {
	go func() {
		ticker := time.NewTicker(l.evictAfter)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.mu.Lock()
				cutoff := time.Now().Add(-l.evictAfter)
				for key, entry := range l.buckets {
					if entry.lastAccess.Before(cutoff) {
						delete(l.buckets, key)
					}
				}
				l.mu.Unlock()
			case <-l.stop:
				return
			}
		}
	}()
}

// Close stops the eviction goroutine.
func (l *Limiter) Close() {
	close(l.stop)
}
