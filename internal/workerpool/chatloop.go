package workerpool

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/llm"
	"github.com/bosun-dev/bosun/internal/tools"
)

// CompletionSentinel ends the chat loop when it appears in an assistant turn.
const CompletionSentinel = "TASK_COMPLETE"

const chatSystemPrompt = `You are an autonomous software engineering agent working inside a git checkout.
You act by emitting exactly one JSON tool call per turn, of the form:
{"tool": "<name>", "args": {...}}
Available tools: read_file, write_file, edit_file, list_directory, run_command, git_commit, git_status.
When the task is fully done, reply with the single word TASK_COMPLETE instead of a tool call.`

// ChatOutcome summarizes a finished chat loop.
type ChatOutcome struct {
	Turns      int               `json:"turns"`
	TokensUsed int               `json:"tokensUsed"`
	Completed  bool              `json:"completed"`
	Messages   []llm.ChatMessage `json:"messages"`
}

// ChatLoop drives an LLM conversation that mutates the workspace through
// tool calls until the completion sentinel or the turn budget.
type ChatLoop struct {
	adapter  llm.Adapter
	executor *tools.Executor
	maxTurns int
	logger   *logger.Logger
}

// NewChatLoop creates a chat loop over the given adapter and tool executor.
func NewChatLoop(adapter llm.Adapter, executor *tools.Executor, maxTurns int, log *logger.Logger) *ChatLoop {
	if maxTurns <= 0 {
		maxTurns = 30
	}
	if log == nil {
		log = logger.Default()
	}
	return &ChatLoop{
		adapter:  adapter,
		executor: executor,
		maxTurns: maxTurns,
		logger:   log.WithFields(zap.String("component", "chatloop")),
	}
}

// Run executes the loop for one task prompt. The returned outcome always
// carries the full conversation, even on error.
func (l *ChatLoop) Run(ctx context.Context, taskPrompt string) (*ChatOutcome, error) {
	outcome := &ChatOutcome{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: chatSystemPrompt},
			{Role: llm.RoleUser, Content: taskPrompt},
		},
	}

	for outcome.Turns < l.maxTurns {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		resp, err := l.adapter.Chat(ctx, outcome.Messages)
		if err != nil {
			return outcome, err
		}
		outcome.Turns++
		outcome.TokensUsed += resp.TokensUsed
		outcome.Messages = append(outcome.Messages, llm.ChatMessage{
			Role:    llm.RoleAssistant,
			Content: resp.Content,
		})

		if strings.Contains(resp.Content, CompletionSentinel) {
			outcome.Completed = true
			return outcome, nil
		}

		call, ok := extractToolCall(resp.Content)
		if !ok {
			// Plain prose without a tool call or sentinel; remind once per
			// occurrence and let the budget bound the loop.
			outcome.Messages = append(outcome.Messages, llm.ChatMessage{
				Role:    llm.RoleUser,
				Content: "Reply with a JSON tool call, or TASK_COMPLETE if the task is done.",
			})
			continue
		}

		result, err := l.executor.Execute(ctx, call)
		if err != nil {
			result = "Error: " + err.Error()
		}
		l.logger.Debug("tool call executed",
			zap.String("tool", call.Name),
			zap.Int("turn", outcome.Turns))
		outcome.Messages = append(outcome.Messages, llm.ChatMessage{
			Role:    llm.RoleTool,
			Content: fmt.Sprintf("%s result:\n%s", call.Name, result),
		})
	}

	return outcome, nil
}

// extractToolCall finds the first JSON object in the content that parses as
// a tool call. Models wrap calls in prose or fenced blocks; both are handled.
func extractToolCall(content string) (*tools.ToolCall, bool) {
	for _, candidate := range jsonCandidates(content) {
		call, err := tools.Parse([]byte(candidate))
		if err == nil {
			return call, true
		}
	}
	return nil, false
}

// jsonCandidates returns balanced {...} spans of the content, outermost first.
func jsonCandidates(content string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range content {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, content[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}
