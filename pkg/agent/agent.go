package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"auteur/pkg/agent/llm"
	"auteur/pkg/utils"
)

// Options tune completion requests.
type Options struct {
	MaxTokens        int
	Temperature      float32
	MaxContextTokens int
}

// Agent is the live conversational agent of one session. Its directive can
// be replaced at any time; a turn already in progress keeps the directive it
// started with.
type Agent struct {
	directive atomic.Pointer[string]
	history   *History
	client    llm.LLMClient
	counter   *utils.TokenCounter
	opts      Options
}

// NewAgent creates an agent governed by directive.
func NewAgent(client llm.LLMClient, directive string, opts Options) *Agent {
	counter, err := utils.NewTokenCounter(client.GetModelName())
	if err != nil {
		counter = nil
	}
	a := &Agent{
		history: NewHistory(counter),
		client:  client,
		counter: counter,
		opts:    opts,
	}
	a.directive.Store(&directive)
	return a
}

// Directive returns the directive the next turn will use.
func (a *Agent) Directive() string {
	return *a.directive.Load()
}

// SetDirective replaces the directive without waiting for in-flight turns.
func (a *Agent) SetDirective(directive string) {
	a.directive.Store(&directive)
}

// History returns the conversation so far.
func (a *Agent) History() *History {
	return a.history
}

// Model returns the LLM model name.
func (a *Agent) Model() string {
	return a.client.GetModelName()
}

// Generate runs one turn: it captures the current directive, asks the LLM
// for a reply to userText and records both sides in the history.
func (a *Agent) Generate(ctx context.Context, userText string) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", fmt.Errorf("user turn is empty")
	}

	if room := a.opts.MaxContextTokens - a.opts.MaxTokens; a.opts.MaxContextTokens > 0 && !a.counter.ValidateTokenLimit(userText, room) {
		return "", fmt.Errorf("user turn of %d tokens exceeds the %d-token context budget", a.counter.CountTokens(userText), room)
	}

	directive := a.Directive()
	user := llm.NewUserMessage(userText)

	budget := a.opts.MaxContextTokens - a.opts.MaxTokens - a.counter.CountTokens(directive) - a.counter.CountTokens(userText)
	messages := []llm.CompletionMessage{llm.NewSystemMessage(directive)}
	if budget > 0 {
		messages = append(messages, a.history.Window(budget)...)
	}
	messages = append(messages, user)

	resp, err := a.client.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", fmt.Errorf("completion returned no text")
	}
	a.history.Append(user, llm.NewAssistantMessage(reply))
	return reply, nil
}
