// Package llm defines the chat-capable LLM adapter used by workers that run
// the tool-call loop instead of an external coding agent.
package llm

import (
	"context"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn in a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the model's reply for one turn.
type ChatResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokensUsed"`
	FinishReason string `json:"finishReason,omitempty"`
}

// HealthStatus is the adapter's availability report.
type HealthStatus struct {
	Available         bool     `json:"available"`
	OllamaRunning     bool     `json:"ollamaRunning"`
	ModelsInstalled   []string `json:"modelsInstalled"`
	RecommendedModels []string `json:"recommendedModels"`
	SetupInstructions string   `json:"setupInstructions,omitempty"`
}

// Adapter is the LLM capability. Blocking calls honor the context deadline.
type Adapter interface {
	// Chat sends the conversation and returns the next assistant message.
	Chat(ctx context.Context, messages []ChatMessage) (*ChatResponse, error)

	// Health probes the backing service.
	Health(ctx context.Context) HealthStatus

	// Model returns the configured model name.
	Model() string
}
