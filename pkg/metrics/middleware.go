package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"auteur/pkg/agent"
	"auteur/pkg/agent/llm"
	"auteur/pkg/agent/llmerrors"
	"auteur/pkg/logx"
	"auteur/pkg/utils"
)

// UsageExtractor estimates token usage for a request and its response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// TokenUsageExtractor counts tokens with the tokenizer matching model.
func TokenUsageExtractor(model string) UsageExtractor {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		counter = nil
	}
	return func(req llm.CompletionRequest, resp llm.CompletionResponse) (int, int) {
		var prompt strings.Builder
		for i := range req.Messages {
			prompt.WriteString(req.Messages[i].Content)
			prompt.WriteString("\n")
		}
		return counter.CountTokens(prompt.String()), counter.CountTokens(resp.Content)
	}
}

// Middleware records latency, token usage and outcome of every LLM request.
// A nil extractor uses TokenUsageExtractor for the wrapped client's model.
func Middleware(recorder *Recorder, extractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		model := next.GetModelName()
		usage := extractor
		if usage == nil {
			usage = TokenUsageExtractor(model)
		}

		return llm.WrapClient(next, func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			start := time.Now()
			resp, err := next.Complete(ctx, req)
			duration := time.Since(start)

			var promptTokens, completionTokens int
			errorType := ""
			if err == nil {
				promptTokens, completionTokens = usage(req, resp)
			} else {
				errorType = errorLabel(err)
			}
			recorder.ObserveRequest(model, promptTokens, completionTokens, err == nil, errorType, duration)

			if logger != nil {
				status := statusSuccess
				if err != nil {
					status = statusError
				}
				logger.Debug("LLM request: model=%s tokens=%d+%d status=%s duration=%dms",
					model, promptTokens, completionTokens, status, duration.Milliseconds())
			}

			return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}

// errorLabel maps an error to a low-cardinality label.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var open *agent.BreakerOpenError
	if errors.As(err, &open) {
		return "circuit_breaker"
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	return "unknown"
}
