// Package ratelimit paces outbound prompts with a token bucket and a
// minimum-gap spacing gate. Both come in an in-process and a Redis flavor.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Bucket is a keyed token bucket with continuous refill.
type Bucket interface {
	// TryTake refills the bucket for the elapsed time and takes cost tokens
	// when enough are available.
	TryTake(ctx context.Context, key string, capacity, refillPerSec, cost float64) (bool, error)
	// Peek reports the refilled token count without taking or persisting.
	Peek(ctx context.Context, key string, capacity, refillPerSec float64) (float64, error)
}

// Spacing enforces a minimum gap between two admitted events on a key.
type Spacing interface {
	Allow(ctx context.Context, key string, minInterval time.Duration) (bool, error)
}

// Limit describes one bucket's shape.
type Limit struct {
	Capacity     float64 `json:"capacity" mapstructure:"capacity"`
	RefillPerMin float64 `json:"refill_per_min" mapstructure:"refill_per_min"`
}

// RefillPerSec converts the per-minute refill rate.
func (l Limit) RefillPerSec() float64 {
	return l.RefillPerMin / 60
}

// Validate rejects shapes that cannot ever admit a prompt.
func (l Limit) Validate() error {
	if l.Capacity <= 0 || math.IsNaN(l.Capacity) || math.IsInf(l.Capacity, 0) {
		return fmt.Errorf("capacity must be positive, got %v", l.Capacity)
	}
	if l.RefillPerMin < 0 || math.IsNaN(l.RefillPerMin) || math.IsInf(l.RefillPerMin, 0) {
		return fmt.Errorf("refill_per_min must be >= 0, got %v", l.RefillPerMin)
	}
	return nil
}

// PromptKey is the bucket and spacing key for prompts on one channel of one tenant.
func PromptKey(channel, tenantID string) string {
	return "prompt:" + channel + ":" + tenantID
}

// refill computes min(capacity, tokens + elapsed*rate). A clock that went
// backwards contributes nothing.
func refill(tokens, capacity, refillPerSec float64, last, now time.Time) float64 {
	elapsed := now.Sub(last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(capacity, tokens+elapsed*refillPerSec)
}

func checkArgs(capacity, refillPerSec, cost float64) error {
	if capacity <= 0 {
		return fmt.Errorf("bucket capacity must be positive, got %v", capacity)
	}
	if refillPerSec < 0 {
		return fmt.Errorf("bucket refill must be >= 0, got %v", refillPerSec)
	}
	if cost < 0 {
		return fmt.Errorf("bucket cost must be >= 0, got %v", cost)
	}
	return nil
}
