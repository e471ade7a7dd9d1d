// Package openai provides an OpenAI client built on the Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"auteur/pkg/agent/llm"
	"auteur/pkg/agent/llmerrors"
	"auteur/pkg/config"
)

// Client wraps the official OpenAI Go client to implement llm.LLMClient.
type Client struct {
	client openai.Client
	model  string
}

// NewClientWithModel creates a raw OpenAI client with SDK retries disabled.
func NewClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// buildInput renders the conversation as Responses API input text. System
// messages travel separately as instructions.
func buildInput(messages []llm.CompletionMessage) (instructions, input string) {
	instructions, rest := llm.SplitSystem(messages)

	var b strings.Builder
	for i := range rest {
		msg := &rest[i]
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		switch msg.Role {
		case llm.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(msg.Content)
	}
	return instructions, b.String()
}

// reasoningModel reports whether the model rejects sampling parameters.
func reasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	instructions, input := buildInput(in.Messages)
	if input == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no conversation input")
	}

	// Cap MaxTokens to the model's limit to prevent API errors.
	maxTokens := in.MaxTokens
	if info, exists := config.KnownModels[o.model]; exists && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if !reasoningModel(o.model) {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if content == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, fmt.Sprintf("no output text (status %s)", resp.Status))
	}

	stop := "end_turn"
	if resp.Status == responses.ResponseStatusIncomplete {
		stop = "max_tokens"
	}
	return llm.CompletionResponse{Content: content, StopReason: stop}, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

func classifyError(err error) *llmerrors.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return llmerrors.FromStatus(apiErr.StatusCode, err)
	}
	return llmerrors.Classify(err)
}
