package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent"
	"auteur/pkg/agent/llm"
	"auteur/pkg/agent/llmerrors"
	"auteur/pkg/proto"
)

func TestObserveSessionEvents(t *testing.T) {
	r := NewRecorder()

	r.Observe(proto.NewEvent("s1", "a", proto.EventSessionStarted))
	r.Observe(proto.NewEvent("s2", "b", proto.EventSessionStarted))
	r.Observe(proto.NewEvent("s1", "a", proto.EventSessionEnded))

	update := proto.NewEvent("s2", "b", proto.EventContextUpdate)
	update.Outcome = proto.OutcomeApplied
	update.Swapped = true
	update.Duration = time.Millisecond
	r.Observe(update)

	rejected := proto.NewEvent("s2", "b", proto.EventContextUpdate)
	rejected.Outcome = proto.OutcomeRejected
	r.Observe(rejected)

	r.Observe(proto.NewEvent("s2", "b", proto.EventHandlerPanic))

	assert.InDelta(t, 1, testutil.ToFloat64(r.activeSessions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.directiveSwaps), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.handlerPanics), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.sessionEvents.WithLabelValues("context_update", "applied")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.sessionEvents.WithLabelValues("context_update", "rejected")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(r.handlerLatency))
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.Observe(proto.NewEvent("s", "r", proto.EventSessionStarted))
	assert.InDelta(t, 0, testutil.ToFloat64(b.activeSessions), 0)
}

func TestMiddleware(t *testing.T) {
	r := NewRecorder()
	mock := agent.NewMockLLMClient(
		[]llm.CompletionResponse{{Content: "three word reply"}},
		[]error{nil, llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down")},
	)
	extractor := func(llm.CompletionRequest, llm.CompletionResponse) (int, int) { return 10, 3 }
	client := llm.Chain(mock, Middleware(r, extractor, nil))
	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("hi")}}

	_, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, "mock-model", client.GetModelName())
	assert.InDelta(t, 1, testutil.ToFloat64(r.requestsTotal.WithLabelValues("mock-model", "success", "")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.requestsTotal.WithLabelValues("mock-model", "error", "rate_limit")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(r.tokensTotal.WithLabelValues("mock-model", "prompt")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.tokensTotal.WithLabelValues("mock-model", "completion")), 0)
}

func TestTokenUsageExtractor(t *testing.T) {
	usage := TokenUsageExtractor("gpt-4o-mini")
	prompt, completion := usage(
		llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("frame the subject")}},
		llm.CompletionResponse{Content: "Step left."},
	)
	assert.Positive(t, prompt)
	assert.Positive(t, completion)
}

func TestErrorLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{&agent.BreakerOpenError{State: agent.BreakerOpen}, "circuit_breaker"},
		{llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key"), "auth"},
		{errors.New("mystery"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorLabel(tt.err), tt.err.Error())
	}
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.Observe(proto.NewEvent("s", "r", proto.EventSessionStarted))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "auteur_active_sessions 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestUsage(t *testing.T) {
	r := NewRecorder()
	r.ObserveRequest("gpt-4o-mini", 100, 20, true, "", 200*time.Millisecond)
	r.ObserveRequest("gpt-4o-mini", 50, 10, true, "", 400*time.Millisecond)
	r.ObserveRequest("gpt-4o-mini", 0, 0, false, "timeout", 600*time.Millisecond)
	r.ObserveRequest("claude-haiku-4-5", 7, 3, true, "", time.Second)

	usage, err := r.Usage()
	require.NoError(t, err)
	require.Len(t, usage, 2)

	assert.Equal(t, "claude-haiku-4-5", usage[0].Model)
	assert.Equal(t, int64(10), usage[0].TotalTokens)

	gpt := usage[1]
	assert.Equal(t, "gpt-4o-mini", gpt.Model)
	assert.Equal(t, int64(3), gpt.Requests)
	assert.Equal(t, int64(1), gpt.Failures)
	assert.Equal(t, int64(150), gpt.PromptTokens)
	assert.Equal(t, int64(30), gpt.CompletionTokens)
	assert.Equal(t, int64(180), gpt.TotalTokens)
	assert.InDelta(t, 0.4, gpt.MeanLatency, 1e-9)
}

func TestUsageEmpty(t *testing.T) {
	usage, err := NewRecorder().Usage()
	require.NoError(t, err)
	assert.Empty(t, usage)
}
