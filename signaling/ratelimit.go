package signaling

import (
	"log/slog"
	"sync"
	"time"
)

// EventRateLimiter provides per-event-type rate limiting for inbound
// websocket messages, so a misbehaving peer cannot flood the relay with
// signaling traffic.
//
// Each event type has its own token bucket configured via EventLimit. When
// the bucket is exhausted, Allow returns false and the caller drops the
// message.
type EventRateLimiter struct {
	limits  map[MessageType]EventLimit
	buckets map[MessageType]*tokenBucket
	mu      sync.Mutex
}

// EventLimit defines the rate limit parameters for a single event type.
type EventLimit struct {
	// MaxBurst is the maximum number of events allowed in a burst.
	MaxBurst int

	// RefillInterval is how often one token is added back to the bucket.
	RefillInterval time.Duration
}

// tokenBucket implements a simple token bucket rate limiter.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// DefaultEventLimits returns limits calibrated to normal session traffic:
// candidate trickling is bursty, everything else is rare.
func DefaultEventLimits() map[MessageType]EventLimit {
	return map[MessageType]EventLimit{
		MsgJoin:          {MaxBurst: 2, RefillInterval: 5 * time.Second},
		MsgCredentials:   {MaxBurst: 4, RefillInterval: 5 * time.Second},
		MsgCandidate:     {MaxBurst: 30, RefillInterval: 1 * time.Second},
		MsgGatheringDone: {MaxBurst: 4, RefillInterval: 5 * time.Second},
		MsgBye:           {MaxBurst: 2, RefillInterval: 10 * time.Second},
	}
}

// NewEventRateLimiter creates a rate limiter with the given per-event
// limits.
func NewEventRateLimiter(limits map[MessageType]EventLimit) *EventRateLimiter {
	buckets := make(map[MessageType]*tokenBucket, len(limits))
	for eventType, limit := range limits {
		buckets[eventType] = &tokenBucket{
			tokens:     limit.MaxBurst,
			maxTokens:  limit.MaxBurst,
			refillRate: limit.RefillInterval,
			lastRefill: time.Now(),
		}
	}
	return &EventRateLimiter{limits: limits, buckets: buckets}
}

// Allow reports whether an event of the given type fits under the limit.
func (r *EventRateLimiter) Allow(eventType MessageType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, exists := r.buckets[eventType]
	if !exists {
		// Unknown event types get a generous default.
		bucket = &tokenBucket{
			tokens:     10,
			maxTokens:  10,
			refillRate: 5 * time.Second,
			lastRefill: time.Now(),
		}
		r.buckets[eventType] = bucket
	}

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= bucket.refillRate && bucket.tokens < bucket.maxTokens {
		bucket.tokens += int(elapsed / bucket.refillRate)
		if bucket.tokens > bucket.maxTokens {
			bucket.tokens = bucket.maxTokens
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}

	slog.Warn("signaling: rate limit exceeded, dropping message",
		"type", eventType)
	return false
}
