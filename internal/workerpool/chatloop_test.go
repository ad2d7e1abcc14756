package workerpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/llm"
	"github.com/bosun-dev/bosun/internal/supervisor"
	"github.com/bosun-dev/bosun/internal/tools"
)

// scriptedLLM replays canned assistant replies in order.
type scriptedLLM struct {
	replies []string
	calls   int
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	if s.calls >= len(s.replies) {
		return &llm.ChatResponse{Content: CompletionSentinel, TokensUsed: 1}, nil
	}
	reply := s.replies[s.calls]
	s.calls++
	return &llm.ChatResponse{Content: reply, TokensUsed: 10}, nil
}

func (s *scriptedLLM) Health(ctx context.Context) llm.HealthStatus {
	return llm.HealthStatus{Available: true, OllamaRunning: true}
}

func (s *scriptedLLM) Model() string { return "scripted" }

func newExecutor(t *testing.T) (*tools.Executor, string) {
	t.Helper()
	workspace := t.TempDir()
	sup := supervisor.New(config.SupervisorConfig{DefaultTimeoutSeconds: 30}, logger.Default())
	return tools.NewExecutor(workspace, sup, gitops.New(logger.Default()), logger.Default()), workspace
}

func TestChatLoopWritesFileAndCompletes(t *testing.T) {
	executor, workspace := newExecutor(t)
	adapter := &scriptedLLM{replies: []string{
		`I'll create the file now.
{"tool": "write_file", "args": {"path": "hello.txt", "content": "hello world\n"}}`,
		CompletionSentinel,
	}}

	loop := NewChatLoop(adapter, executor, 10, logger.Default())
	outcome, err := loop.Run(context.Background(), "Create hello.txt")
	require.NoError(t, err)

	assert.True(t, outcome.Completed)
	assert.Equal(t, 2, outcome.Turns)
	assert.Equal(t, 20, outcome.TokensUsed)

	data, err := os.ReadFile(filepath.Join(workspace, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))
}

func TestChatLoopToolResultFedBack(t *testing.T) {
	executor, workspace := newExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "config.json"), []byte(`{"a":1}`), 0o644))

	adapter := &scriptedLLM{replies: []string{
		`{"tool": "read_file", "args": {"path": "config.json"}}`,
		CompletionSentinel,
	}}

	loop := NewChatLoop(adapter, executor, 10, logger.Default())
	outcome, err := loop.Run(context.Background(), "Inspect config.json")
	require.NoError(t, err)
	require.True(t, outcome.Completed)

	var toolMsg string
	for _, m := range outcome.Messages {
		if m.Role == llm.RoleTool {
			toolMsg = m.Content
		}
	}
	assert.Contains(t, toolMsg, `{"a":1}`)
}

func TestChatLoopNudgesOnProse(t *testing.T) {
	executor, _ := newExecutor(t)
	adapter := &scriptedLLM{replies: []string{
		"Let me think about this.",
		CompletionSentinel,
	}}

	loop := NewChatLoop(adapter, executor, 10, logger.Default())
	outcome, err := loop.Run(context.Background(), "Do something")
	require.NoError(t, err)
	assert.True(t, outcome.Completed)

	nudged := false
	for _, m := range outcome.Messages {
		if m.Role == llm.RoleUser && m.Content == "Reply with a JSON tool call, or TASK_COMPLETE if the task is done." {
			nudged = true
		}
	}
	assert.True(t, nudged)
}

func TestChatLoopTurnBudget(t *testing.T) {
	executor, _ := newExecutor(t)
	adapter := &scriptedLLM{replies: []string{
		`{"tool": "git_status", "args": {}}`,
		`{"tool": "git_status", "args": {}}`,
		`{"tool": "git_status", "args": {}}`,
	}}

	loop := NewChatLoop(adapter, executor, 2, logger.Default())
	outcome, err := loop.Run(context.Background(), "Loop forever")
	require.NoError(t, err)
	assert.False(t, outcome.Completed)
	assert.Equal(t, 2, outcome.Turns)
}

func TestExtractToolCall(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"bare json", `{"tool": "git_status", "args": {}}`, "git_status", true},
		{"wrapped in prose", "Sure:\n{\"tool\": \"read_file\", \"args\": {\"path\": \"a\"}}\nDone.", "read_file", true},
		{"fenced block", "```json\n{\"tool\": \"list_directory\", \"args\": {\"path\": \".\"}}\n```", "list_directory", true},
		{"brace inside string", `{"tool": "write_file", "args": {"path": "a", "content": "if x { y }"}}`, "write_file", true},
		{"no json", "just text", "", false},
		{"unknown tool", `{"tool": "frobnicate", "args": {}}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := extractToolCall(tt.content)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, call.Name)
			}
		})
	}
}
