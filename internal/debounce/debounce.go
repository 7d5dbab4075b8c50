// Package debounce suppresses duplicate and trivial-content processing
// before a reply reaches the more expensive stages of the pipeline.
package debounce

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowcatalyst/followup-engine/internal/common/metrics"
)

const (
	gateTTL          = 5 * time.Second
	minContentLength = 10
)

// trivialBodies are exact matches (after trim+lowercase) treated as
// noise regardless of length.
var trivialBodies = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "thanks": {}, "thank you": {},
	"ok": {}, "okay": {}, "yes": {}, "no": {}, "yep": {}, "nope": {},
	"?": {}, "thx": {}, "ty": {},
}

// Gate is the duplicate-suppression TTL store. A Gate backed by Redis
// degrades to bypass-on-error: trivial-content filtering never depends
// on Redis being reachable, but the dedup window does, and its failure
// must not block the pipeline.
type Gate struct {
	client *redis.Client
}

// NewGate creates a Gate over the given Redis client.
func NewGate(client *redis.Client) *Gate {
	return &Gate{client: client}
}

// IsTrivial reports whether body is noise that should never reach the
// Analyzer, independent of any store. This is a pure function.
func IsTrivial(body string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	if len(trimmed) < minContentLength {
		return true
	}
	_, trivial := trivialBodies[trimmed]
	return trivial
}

// ShouldProcess returns true iff body is not trivial content and the
// per-thread debounce gate was successfully installed. A Redis error
// is logged and treated as "gate installed" (bypass) rather than
// blocking the caller — store unavailability must not take down the
// pipeline, only its duplicate-suppression guarantee.
func (g *Gate) ShouldProcess(ctx context.Context, threadID, body string) bool {
	if IsTrivial(body) {
		metrics.DebouncerDecisions.WithLabelValues("trivial").Inc()
		return false
	}

	key := "debounce:" + threadID
	ok, err := g.client.SetNX(ctx, key, 1, gateTTL).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			metrics.DebouncerDecisions.WithLabelValues("bypass_store_down").Inc()
			return true
		}
		slog.Error("debounce gate unavailable, bypassing", "thread_id", threadID, "error", err)
		metrics.DebouncerDecisions.WithLabelValues("bypass_store_down").Inc()
		return true
	}

	if !ok {
		metrics.DebouncerDecisions.WithLabelValues("debounced").Inc()
		return false
	}

	metrics.DebouncerDecisions.WithLabelValues("accepted").Inc()
	return true
}
