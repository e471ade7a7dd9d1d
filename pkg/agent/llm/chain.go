package llm

import "context"

// Middleware wraps an LLMClient with additional behavior.
type Middleware func(next LLMClient) LLMClient

type clientFunc struct {
	complete func(context.Context, CompletionRequest) (CompletionResponse, error)
	model    func() string
}

func (f clientFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) GetModelName() string {
	return f.model()
}

// WrapClient builds an LLMClient from a Complete implementation, taking the
// model name from next.
func WrapClient(next LLMClient, complete func(context.Context, CompletionRequest) (CompletionResponse, error)) LLMClient {
	return clientFunc{complete: complete, model: next.GetModelName}
}

// Chain applies middlewares so that the first one listed is the outermost.
func Chain(client LLMClient, middlewares ...Middleware) LLMClient {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			client = middlewares[i](client)
		}
	}
	return client
}
