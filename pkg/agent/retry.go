package agent

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"auteur/pkg/agent/llm"
	"auteur/pkg/agent/llmerrors"
	"auteur/pkg/logx"
)

// RetryPolicy bounds retries of a classified LLM error. Each error type has
// its own backoff (llmerrors.DefaultRetryConfigs); MaxRetries caps them all.
type RetryPolicy struct {
	MaxRetries int
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logx.Logger
}

// RetryMiddleware retries retryable errors with per-type exponential
// backoff. Once retries are exhausted for a retryable error, the result is
// an llmerrors.ErrorTypeServiceUnavailable error wrapping the last failure.
func RetryMiddleware(policy RetryPolicy) llm.Middleware {
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	logger := policy.Logger
	if logger == nil {
		logger = logx.NewLogger("llm-retry")
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(next, func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			for attempt := 0; ; attempt++ {
				resp, err := next.Complete(ctx, req)
				if err == nil {
					return resp, nil
				}

				classified := llmerrors.Classify(err)
				if ctx.Err() != nil || !classified.IsRetryable() {
					return llm.CompletionResponse{}, classified
				}

				cfg := classified.GetRetryConfig()
				limit := min(cfg.MaxRetries, policy.MaxRetries)
				if attempt >= limit {
					return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(classified, attempt+1)
				}

				delay := backoff(cfg, attempt)
				logger.Warn("LLM %s error on attempt %d for %s, retrying in %v: %v",
					classified.Type, attempt+1, next.GetModelName(), delay, err)
				if err := sleep(ctx, delay); err != nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "retry aborted")
				}
			}
		})
	}
}

// backoff returns the delay before retry number attempt+1.
func backoff(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		// +/-10%
		delay += time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
