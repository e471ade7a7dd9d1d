// Package agent owns the conversational agent of one session.
//
// Structure:
//   - Agent holds the live directive, the conversation history and an LLM client
//   - Controller exposes Swap, Speak, Respond and Interrupt to the session
//   - llm/ and llmerrors/ define the provider-neutral client API
//   - internal/llmimpl/ holds the Anthropic, OpenAI, Gemini and Ollama clients
package agent
