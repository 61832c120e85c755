package prowlarr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter paces Prowlarr requests. A token bucket caps the steady
// request rate; on 429 responses an extra delay is added that grows with
// each rejection and shrinks again after a run of successes.
type RateLimiter struct {
	bucket *rate.Limiter

	mu               sync.Mutex
	logger           zerolog.Logger
	maxDelay         time.Duration
	currentDelay     time.Duration
	consecutiveOK    int
	backoffFactor    float64
	recoveryRequests int
}

// RateLimiterConfig configures the rate limiter behavior.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxDelay          time.Duration
	BackoffFactor     float64
	RecoveryRequests  int
	Logger            zerolog.Logger
}

// DefaultRateLimiterConfig returns sensible defaults for Prowlarr rate limiting.
func DefaultRateLimiterConfig(logger zerolog.Logger) RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 2,
		Burst:             4,
		MaxDelay:          30 * time.Second,
		BackoffFactor:     2.0,
		RecoveryRequests:  5, // Reduce delay after 5 successful requests
		Logger:            logger,
	}
}

// NewRateLimiter creates a new rate limiter. A non-positive rate disables
// the token bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	factor := cfg.BackoffFactor
	if factor <= 1 {
		factor = 2
	}

	return &RateLimiter{
		bucket:           rate.NewLimiter(limit, burst),
		logger:           cfg.Logger.With().Str("component", "prowlarr-ratelimiter").Logger(),
		maxDelay:         cfg.MaxDelay,
		backoffFactor:    factor,
		recoveryRequests: cfg.RecoveryRequests,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	delay := r.currentDelay
	r.mu.Unlock()

	if delay > 0 {
		r.logger.Debug().Dur("delay", delay).Msg("rate limiting: waiting before request")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return r.bucket.Wait(ctx)
}

// RecordSuccess should be called after a successful request.
// It gradually reduces the backoff if enough successful requests occur.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveOK++

	if r.currentDelay > 0 && r.consecutiveOK >= r.recoveryRequests {
		oldDelay := r.currentDelay
		r.currentDelay = time.Duration(float64(r.currentDelay) / r.backoffFactor)
		if r.currentDelay < 100*time.Millisecond {
			r.currentDelay = 0
		}
		r.consecutiveOK = 0

		r.logger.Debug().
			Dur("oldDelay", oldDelay).
			Dur("newDelay", r.currentDelay).
			Msg("rate limit recovered")
	}
}

// RecordRateLimited should be called when a 429 response is received.
func (r *RateLimiter) RecordRateLimited() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveOK = 0

	oldDelay := r.currentDelay
	if r.currentDelay == 0 {
		r.currentDelay = 1 * time.Second
	} else {
		r.currentDelay = time.Duration(float64(r.currentDelay) * r.backoffFactor)
	}

	if r.maxDelay > 0 && r.currentDelay > r.maxDelay {
		r.currentDelay = r.maxDelay
	}

	r.logger.Warn().
		Dur("oldDelay", oldDelay).
		Dur("newDelay", r.currentDelay).
		Msg("rate limited: backing off")
}

// RecordError should be called after a non-429 error.
func (r *RateLimiter) RecordError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveOK = 0
}

// CurrentDelay returns the backoff applied before each request.
func (r *RateLimiter) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDelay
}
