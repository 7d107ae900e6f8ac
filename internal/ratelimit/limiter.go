// Package ratelimit implements lazy token buckets keyed by agent, channel,
// and tier, with progressive backoff on repeated violations. It is safe
// for concurrent callers and calls no other component.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
)

// Channel classifies the ingress path.
type Channel string

const (
	ChannelWS   Channel = "ws"
	ChannelHTTP Channel = "http"
)

// Tier classifies the cost class of an ingress message.
type Tier string

const (
	TierLight  Tier = "light"
	TierNormal Tier = "normal"
	TierHeavy  Tier = "heavy"
)

// ValidTier reports whether t names a known tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierLight, TierNormal, TierHeavy:
		return true
	}
	return false
}

// tokenScale is the fixed-point scale for bucket arithmetic: one token is
// 1000 internal units, so refill math needs no floating point.
const tokenScale = 1000

// msPerMin converts the configured per-minute refill to per-millisecond
// fixed-point units.
const msPerMin = 60_000

// warnFraction is the remaining-capacity fraction below which an allowed
// check carries a warning.
const warnFraction = 5 // 1/5 = 20%

// Decision is the outcome of a Check call.
type Decision struct {
	Allow        bool  `json:"allow"`
	Warn         bool  `json:"warn,omitempty"`
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// bucket holds fixed-point token state for one (agent, channel, tier).
type bucket struct {
	tokens     int64 // scaled by tokenScale
	capacity   int64 // scaled
	refillMin  int64 // tokens per minute, unscaled
	acc        int64 // refill remainder accumulator
	lastRefill int64 // monotonic ms
}

// agentState tracks the progressive backoff gate for one agent.
type agentState struct {
	violationCount int
	lastViolation  int64
	backoffIdx     int
	blockedUntil   int64 // monotonic ms; 0 when open
}

// Limiter is the rate limiter. One instance guards every ingress path.
type Limiter struct {
	mu        sync.Mutex
	cfg       config.RateLimitConfig
	buckets   map[string]*bucket
	agents    map[string]*agentState
	overrides map[string]config.RateLimitTier // agent|tier
	exempt    map[string]struct{}

	eventBus bus.EventBus
	logger   *logger.Logger
	clock    func() int64 // monotonic milliseconds
}

var processStart = time.Now()

func monoNow() int64 {
	return time.Since(processStart).Milliseconds()
}

// NewLimiter creates a limiter using the monotonic clock.
func NewLimiter(cfg config.RateLimitConfig, eventBus bus.EventBus, log *logger.Logger) *Limiter {
	return newLimiter(cfg, eventBus, log, monoNow)
}

func newLimiter(cfg config.RateLimitConfig, eventBus bus.EventBus, log *logger.Logger, clock func() int64) *Limiter {
	return &Limiter{
		cfg:       cfg,
		buckets:   make(map[string]*bucket),
		agents:    make(map[string]*agentState),
		overrides: make(map[string]config.RateLimitTier),
		exempt:    make(map[string]struct{}),
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "rate-limiter")),
		clock:     clock,
	}
}

// Check decides whether one ingress operation of the given cost may
// proceed. A zero cost is a pure query: it never consumes tokens and never
// changes limiter state.
func (l *Limiter) Check(agentID string, channel Channel, tier Tier, cost int) Decision {
	if l.IsExempt(agentID) {
		return Decision{Allow: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	state := l.agentState(agentID)

	// quiet period elapsed: backoff curve starts over
	if state.lastViolation != 0 && now-state.lastViolation >= int64(l.cfg.QuietResetMs) {
		state.backoffIdx = 0
	}

	if state.blockedUntil > now {
		retry := state.blockedUntil - now
		if cost > 0 {
			state.lastViolation = now
		}
		return Decision{Allow: false, RetryAfterMs: retry}
	}

	b := l.bucket(agentID, channel, tier, now)

	if cost == 0 {
		// read-only probe against the refilled view
		tokens, _ := refilled(b, now)
		return Decision{Allow: true, Warn: tokens < b.capacity/warnFraction}
	}

	l.refill(b, now)

	need := int64(cost) * tokenScale
	if b.tokens >= need {
		b.tokens -= need
		return Decision{Allow: true, Warn: b.tokens < b.capacity/warnFraction}
	}

	retry := retryAfterMs(need-b.tokens, b.refillMin)
	l.recordViolationLocked(agentID, state, tier, now, retry)
	return Decision{Allow: false, RetryAfterMs: retry}
}

// IsRateLimited reports whether the agent is currently inside a
// progressive-backoff deny window.
func (l *Limiter) IsRateLimited(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.agents[agentID]
	return ok && state.blockedUntil > l.clock()
}

// RecordViolation advances the agent's backoff gate. Deny paths outside
// Check (e.g. a validator rejection storm) may call it directly.
func (l *Limiter) RecordViolation(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	l.recordViolationLocked(agentID, l.agentState(agentID), "", now, 0)
}

// SetOverride replaces the bucket parameters for one agent and tier.
func (l *Limiter) SetOverride(agentID string, tier Tier, params config.RateLimitTier) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.overrides[agentID+"|"+string(tier)] = params
	// existing buckets for this agent/tier pick up the new parameters by
	// being rebuilt on next access
	for _, ch := range []Channel{ChannelWS, ChannelHTTP} {
		delete(l.buckets, bucketKey(agentID, ch, tier))
	}
	l.logger.Info("Rate limit override set",
		zap.String("agent_id", agentID),
		zap.String("tier", string(tier)),
		zap.Int("capacity", params.Capacity),
		zap.Int("refill_per_min", params.RefillPerMin))
}

// AddExempt bypasses all checks for an agent. Used for internal control
// plane agents.
func (l *Limiter) AddExempt(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exempt[agentID] = struct{}{}
	l.logger.Info("Agent exempted from rate limits", zap.String("agent_id", agentID))
}

// IsExempt reports whether the agent bypasses all checks.
func (l *Limiter) IsExempt(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.exempt[agentID]
	return ok
}

// agentState returns (creating if needed) the backoff state. Callers hold
// the mutex.
func (l *Limiter) agentState(agentID string) *agentState {
	state, ok := l.agents[agentID]
	if !ok {
		state = &agentState{}
		l.agents[agentID] = state
	}
	return state
}

func bucketKey(agentID string, channel Channel, tier Tier) string {
	return agentID + "|" + string(channel) + "|" + string(tier)
}

// bucket returns (creating if needed) the token bucket. Callers hold the
// mutex.
func (l *Limiter) bucket(agentID string, channel Channel, tier Tier, now int64) *bucket {
	key := bucketKey(agentID, channel, tier)
	b, ok := l.buckets[key]
	if ok {
		return b
	}

	params := l.tierParams(agentID, tier)
	b = &bucket{
		tokens:     int64(params.Capacity) * tokenScale,
		capacity:   int64(params.Capacity) * tokenScale,
		refillMin:  int64(params.RefillPerMin),
		lastRefill: now,
	}
	l.buckets[key] = b
	return b
}

func (l *Limiter) tierParams(agentID string, tier Tier) config.RateLimitTier {
	if params, ok := l.overrides[agentID+"|"+string(tier)]; ok {
		return params
	}
	switch tier {
	case TierLight:
		return l.cfg.Light
	case TierHeavy:
		return l.cfg.Heavy
	default:
		return l.cfg.Normal
	}
}

// refill lazily credits tokens for elapsed time, carrying the sub-unit
// remainder so slow refill rates never starve.
func (l *Limiter) refill(b *bucket, now int64) {
	elapsed := now - b.lastRefill
	if elapsed <= 0 {
		return
	}
	b.acc += elapsed * b.refillMin * tokenScale
	b.tokens += b.acc / msPerMin
	b.acc %= msPerMin
	if b.tokens > b.capacity {
		b.tokens = b.capacity
		b.acc = 0
	}
	b.lastRefill = now
}

// refilled computes the would-be token count without mutating the bucket.
func refilled(b *bucket, now int64) (int64, int64) {
	elapsed := now - b.lastRefill
	if elapsed <= 0 {
		return b.tokens, b.acc
	}
	acc := b.acc + elapsed*b.refillMin*tokenScale
	tokens := b.tokens + acc/msPerMin
	acc %= msPerMin
	if tokens > b.capacity {
		return b.capacity, 0
	}
	return tokens, acc
}

// retryAfterMs computes how long until the deficit refills, always at
// least 1ms.
func retryAfterMs(deficit, refillMin int64) int64 {
	if refillMin <= 0 {
		return 1
	}
	ms := (deficit*msPerMin + refillMin*tokenScale - 1) / (refillMin * tokenScale)
	if ms < 1 {
		return 1
	}
	return ms
}

// recordViolationLocked advances the backoff gate and publishes the
// violation. Callers hold the mutex.
func (l *Limiter) recordViolationLocked(agentID string, state *agentState, tier Tier, now, retryAfter int64) {
	// The deny gate follows the configured curve; the token-based retry
	// hint is reported to the caller separately.
	curve := l.cfg.BackoffCurveMs
	backoff := int64(curve[state.backoffIdx])
	if state.backoffIdx < len(curve)-1 {
		state.backoffIdx++
	}

	state.violationCount++
	state.lastViolation = now
	state.blockedUntil = now + backoff

	l.logger.Warn("Rate limit violation",
		zap.String("agent_id", agentID),
		zap.String("tier", string(tier)),
		zap.Int("violation_count", state.violationCount),
		zap.Int64("blocked_ms", backoff))
	l.publish(events.RateLimitViolated, agentID, map[string]interface{}{
		"tier":       string(tier),
		"blocked_ms": backoff,
	})

	// announce when the gate reopens so the scheduler rearms
	time.AfterFunc(time.Duration(backoff)*time.Millisecond, func() {
		if !l.IsRateLimited(agentID) {
			l.publish(events.RateLimitCleared, agentID, nil)
		}
	})
}

func (l *Limiter) publish(eventType, agentID string, extra map[string]interface{}) {
	if l.eventBus == nil {
		return
	}
	data := map[string]interface{}{"agent_id": agentID}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, events.SourceRateLimiter, data)
	if err := l.eventBus.Publish(context.Background(), eventType, event); err != nil {
		l.logger.Warn("Failed to publish rate limit event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
