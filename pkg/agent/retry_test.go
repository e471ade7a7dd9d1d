package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent/llm"
	"auteur/pkg/agent/llmerrors"
)

func noSleep(context.Context, time.Duration) error { return nil }

func retryRequest() llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("x")}, MaxTokens: 8}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	mock := NewMockLLMClient(
		[]llm.CompletionResponse{{Content: "ok"}},
		[]error{llmerrors.NewError(llmerrors.ErrorTypeTransient, "502"), nil},
	)
	client := llm.Chain(mock, RetryMiddleware(RetryPolicy{MaxRetries: 3, Sleep: noSleep}))

	resp, err := client.Complete(context.Background(), retryRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, mock.Requests(), 2)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	mock := NewMockLLMClient(nil, []error{llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")})
	client := llm.Chain(mock, RetryMiddleware(RetryPolicy{MaxRetries: 3, Sleep: noSleep}))

	_, err := client.Complete(context.Background(), retryRequest())
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeAuth, llmerrors.TypeOf(err))
	assert.Len(t, mock.Requests(), 1)
}

func TestRetryExhaustedBecomesServiceUnavailable(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")
	mock := NewMockLLMClient(nil, []error{transient, transient, transient, transient})
	client := llm.Chain(mock, RetryMiddleware(RetryPolicy{MaxRetries: 2, Sleep: noSleep}))

	_, err := client.Complete(context.Background(), retryRequest())
	require.Error(t, err)
	assert.True(t, llmerrors.IsServiceUnavailable(err))
	assert.Len(t, mock.Requests(), 3)
}

func TestRetryZeroMeansSingleAttempt(t *testing.T) {
	mock := NewMockLLMClient(nil, []error{errors.New("connection reset by peer")})
	client := llm.Chain(mock, RetryMiddleware(RetryPolicy{MaxRetries: 0, Sleep: noSleep}))

	_, err := client.Complete(context.Background(), retryRequest())
	assert.True(t, llmerrors.IsServiceUnavailable(err))
	assert.Len(t, mock.Requests(), 1)
}

func TestRetryHonorsContext(t *testing.T) {
	mock := NewMockLLMClient(nil, []error{llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := llm.Chain(mock, RetryMiddleware(RetryPolicy{MaxRetries: 3}))

	_, err := client.Complete(ctx, retryRequest())
	require.Error(t, err)
	assert.Len(t, mock.Requests(), 1)
}

func TestBackoff(t *testing.T) {
	cfg := llmerrors.RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, backoff(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, backoff(cfg, 1))
	assert.Equal(t, 300*time.Millisecond, backoff(cfg, 2))

	cfg.Jitter = true
	d := backoff(cfg, 0)
	assert.GreaterOrEqual(t, d, 90*time.Millisecond)
	assert.LessOrEqual(t, d, 110*time.Millisecond)
}
