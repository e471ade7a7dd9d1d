// Package limiter bounds the LLM traffic that every session shares: a
// tokens-per-minute bucket and a cap on requests in flight.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"auteur/pkg/agent/llm"
	"auteur/pkg/agent/llmerrors"
	"auteur/pkg/utils"
)

var (
	// ErrRateLimit is returned when the token bucket cannot cover a request.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("limiter closed")
)

// Config sets the limits. Zero disables a limit.
type Config struct {
	MaxTokensPerMinute int
	MaxConcurrent      int
}

// Limiter enforces Config for one model.
type Limiter struct {
	maxTokensPerMinute int
	slots              chan struct{}
	done               chan struct{}
	closeOnce          sync.Once
	now                func() time.Time

	mu            sync.Mutex
	currentTokens int
	lastRefill    time.Time
}

// New creates a limiter with a full bucket.
func New(cfg Config) *Limiter {
	l := &Limiter{
		maxTokensPerMinute: cfg.MaxTokensPerMinute,
		currentTokens:      cfg.MaxTokensPerMinute,
		done:               make(chan struct{}),
		now:                time.Now,
	}
	l.lastRefill = l.now()
	if cfg.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return l
}

// Reserve takes tokens from the bucket without blocking. A request larger
// than the whole bucket needs a full bucket and drains it.
func (l *Limiter) Reserve(tokens int) error {
	if l.maxTokensPerMinute <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillTokens()
	if tokens > l.maxTokensPerMinute {
		tokens = l.maxTokensPerMinute
	}
	if l.currentTokens < tokens {
		return ErrRateLimit
	}
	l.currentTokens -= tokens
	return nil
}

// Acquire waits for a request slot. Every successful Acquire must be paired
// with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.slots == nil {
		return nil
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}

// Status returns the tokens left in the bucket and the requests in flight.
func (l *Limiter) Status() (tokens, inFlight int) {
	l.mu.Lock()
	l.refillTokens()
	tokens = l.currentTokens
	l.mu.Unlock()
	return tokens, len(l.slots)
}

// Close wakes every waiting Acquire.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Limiter) refillTokens() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)

	if elapsed >= time.Minute {
		minutes := int(elapsed / time.Minute)
		l.currentTokens += minutes * l.maxTokensPerMinute
		if l.currentTokens > l.maxTokensPerMinute {
			l.currentTokens = l.maxTokensPerMinute
		}
		l.lastRefill = l.lastRefill.Add(time.Duration(minutes) * time.Minute)
	}
}

// Middleware reserves the prompt's tokens plus the completion allowance
// before each request and holds a slot while it runs. An empty bucket
// surfaces as a rate-limit error so the retry middleware backs off.
func Middleware(l *Limiter) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		counter, err := utils.NewTokenCounter(next.GetModelName())
		if err != nil {
			counter = nil
		}

		return llm.WrapClient(next, func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			var prompt strings.Builder
			for i := range req.Messages {
				prompt.WriteString(req.Messages[i].Content)
				prompt.WriteString("\n")
			}
			tokens := counter.CountTokens(prompt.String()) + req.MaxTokens

			if err := l.Reserve(tokens); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err,
					fmt.Sprintf("local limit: %d tokens not available for %s", tokens, next.GetModelName()))
			}
			if err := l.Acquire(ctx); err != nil {
				return llm.CompletionResponse{}, fmt.Errorf("waiting for request slot: %w", err)
			}
			defer l.Release()

			return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}
