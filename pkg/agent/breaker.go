package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auteur/pkg/agent/llm"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing, reject requests
	BreakerHalfOpen                     // Probing whether the provider recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open before closing
	Cooldown         time.Duration // Time open before probing
}

// BreakerOpenError is returned while the breaker rejects requests.
type BreakerOpenError struct {
	State BreakerState
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker stops calling a provider that keeps failing. It is shared by every
// session using the same client.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
}

// NewBreaker creates a closed breaker. Zero thresholds default to 5 failures
// and 1 success.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// Record records the outcome of a request that Allow admitted.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = BreakerClosed
				b.failures = 0
				b.successes = 0
			}
		}
		return
	}

	b.failures++
	b.lastFailureTime = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerMiddleware rejects requests without calling the provider while the
// breaker is open. Canceled requests are not counted as failures.
func BreakerMiddleware(b *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(next, func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			if !b.Allow() {
				return llm.CompletionResponse{}, &BreakerOpenError{State: b.State()}
			}
			resp, err := next.Complete(ctx, req)
			if err == nil || ctx.Err() == nil {
				b.Record(err == nil)
			}
			return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}

// TimeoutMiddleware bounds each request, including its retries, to d.
// A non-positive d disables it.
func TimeoutMiddleware(d time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if d <= 0 {
			return next
		}
		return llm.WrapClient(next, func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Complete(ctx, req)
		})
	}
}
