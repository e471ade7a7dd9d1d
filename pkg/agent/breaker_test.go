package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent/llm"
)

func TestBreakerTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }

	assert.Equal(t, BreakerClosed, b.State())
	b.Record(false)
	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(10 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(10 * time.Second)
	require.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerMiddleware(t *testing.T) {
	mock := NewMockLLMClient([]llm.CompletionResponse{{Content: "ok"}}, []error{errors.New("down"), errors.New("down")})
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	client := llm.Chain(mock, BreakerMiddleware(b))
	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("hi")}}

	_, err := client.Complete(context.Background(), req)
	require.Error(t, err)
	_, err = client.Complete(context.Background(), req)
	require.Error(t, err)

	_, err = client.Complete(context.Background(), req)
	var open *BreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "circuit breaker is OPEN", err.Error())
	assert.Len(t, mock.Requests(), 2)
}

func TestBreakerIgnoresCanceledRequests(t *testing.T) {
	mock := NewMockLLMClient(nil, nil)
	mock.Gate = make(chan struct{})
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	client := llm.Chain(mock, BreakerMiddleware(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, llm.CompletionRequest{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestTimeoutMiddleware(t *testing.T) {
	mock := NewMockLLMClient(nil, nil)
	mock.Gate = make(chan struct{})
	client := llm.Chain(mock, TimeoutMiddleware(20*time.Millisecond))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Same(t, mock, TimeoutMiddleware(0)(mock))
}
