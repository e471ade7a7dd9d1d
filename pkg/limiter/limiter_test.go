package limiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent/llm"
	"auteur/pkg/agent/llmerrors"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	c := &clock{t: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = c.now
	l.lastRefill = c.t
	return l, c
}

func TestReserveRefillsPerMinute(t *testing.T) {
	l, c := newTestLimiter(Config{MaxTokensPerMinute: 100})

	require.NoError(t, l.Reserve(60))
	require.NoError(t, l.Reserve(40))
	assert.ErrorIs(t, l.Reserve(1), ErrRateLimit)

	c.t = c.t.Add(59 * time.Second)
	assert.ErrorIs(t, l.Reserve(1), ErrRateLimit)

	c.t = c.t.Add(time.Second)
	require.NoError(t, l.Reserve(100))

	c.t = c.t.Add(10 * time.Minute)
	tokens, _ := l.Status()
	assert.Equal(t, 100, tokens, "bucket is capped")
}

func TestReserveOversizedRequestNeedsFullBucket(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxTokensPerMinute: 50})
	require.NoError(t, l.Reserve(500))
	assert.ErrorIs(t, l.Reserve(500), ErrRateLimit)
}

func TestZeroConfigIsUnlimited(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Reserve(1_000_000))
		require.NoError(t, l.Acquire(context.Background()))
	}
}

func TestAcquire(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	_, inFlight := l.Status()
	assert.Equal(t, 1, inFlight)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()

	require.NoError(t, l.Acquire(context.Background()))
	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(context.Background()) }()
	l.Close()
	assert.ErrorIs(t, <-errCh, ErrClosed)
}

type stubClient struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
}

func (s *stubClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.hold)
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (s *stubClient) GetModelName() string { return "gpt-4o-mini" }

func TestMiddlewareRateLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxTokensPerMinute: 100})
	stub := &stubClient{}
	client := llm.Chain(stub, Middleware(l))

	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("hi")}, MaxTokens: 60}
	_, err := client.Complete(context.Background(), req)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), req)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeRateLimit))
	assert.ErrorIs(t, err, ErrRateLimit)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestMiddlewareBoundsConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrent: 2})
	stub := &stubClient{hold: 20 * time.Millisecond}
	client := llm.Chain(stub, Middleware(l))

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			_, _ = client.Complete(context.Background(), llm.CompletionRequest{MaxTokens: 1})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.Equal(t, int32(6), stub.calls.Load())
	assert.LessOrEqual(t, stub.peak.Load(), int32(2))
}
