package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
)

// SetupInstructions is returned with 503 responses when no AI backend is
// reachable.
func SetupInstructions(recommended []string) string {
	var b strings.Builder
	b.WriteString("Ollama is not running. Install it from https://ollama.ai/download and start it, ")
	b.WriteString("then pull a model:\n")
	for _, m := range recommended {
		fmt.Fprintf(&b, "  ollama pull %s\n", m)
	}
	return b.String()
}

// OllamaAdapter talks to a local Ollama server over its HTTP API.
type OllamaAdapter struct {
	baseURL           string
	model             string
	recommendedModels []string
	client            *http.Client
	logger            *logger.Logger
}

// NewOllama creates an adapter for the Ollama server at baseURL.
func NewOllama(baseURL, model string, recommended []string, log *logger.Logger) *OllamaAdapter {
	if log == nil {
		log = logger.Default()
	}
	return &OllamaAdapter{
		baseURL:           strings.TrimRight(baseURL, "/"),
		model:             model,
		recommendedModels: recommended,
		client:            &http.Client{Timeout: 5 * time.Minute},
		logger:            log.WithFields(zap.String("component", "llm-ollama")),
	}
}

// Model returns the configured model name.
func (a *OllamaAdapter) Model() string { return a.model }

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
}

// Chat sends the conversation to /api/chat and returns the reply.
func (a *OllamaAdapter) Chat(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	body, err := json.Marshal(ollamaChatRequest{Model: a.model, Messages: messages, Stream: false})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apperrors.AIUnavailable("ollama chat request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.AIUnavailable(fmt.Sprintf("ollama returned status %d", resp.StatusCode))
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	return &ChatResponse{
		Content:      parsed.Message.Content,
		Model:        a.model,
		TokensUsed:   parsed.EvalCount + parsed.PromptEvalCount,
		FinishReason: parsed.DoneReason,
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Health probes /api/tags. A connection failure means Ollama is not running;
// the status then carries setup instructions for the caller's 503.
func (a *OllamaAdapter) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{RecommendedModels: a.recommendedModels, ModelsInstalled: []string{}}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		status.SetupInstructions = SetupInstructions(a.recommendedModels)
		return status
	}
	resp, err := a.client.Do(req)
	if err != nil {
		status.SetupInstructions = SetupInstructions(a.recommendedModels)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.SetupInstructions = SetupInstructions(a.recommendedModels)
		return status
	}

	status.OllamaRunning = true
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err == nil {
		for _, m := range tags.Models {
			status.ModelsInstalled = append(status.ModelsInstalled, m.Name)
		}
	}

	// Available means running with at least one model to chat with.
	status.Available = len(status.ModelsInstalled) > 0
	if !status.Available {
		status.SetupInstructions = SetupInstructions(a.recommendedModels)
	}
	return status
}

var _ Adapter = (*OllamaAdapter)(nil)
