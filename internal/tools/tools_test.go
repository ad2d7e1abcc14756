package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/supervisor"
)

func newExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	ws := t.TempDir()
	sup := supervisor.New(config.SupervisorConfig{DefaultTimeoutSeconds: 30}, logger.Default())
	git := gitops.New(logger.Default())
	return NewExecutor(ws, sup, git, logger.Default()), ws
}

func TestParseToolCalls(t *testing.T) {
	call, err := Parse([]byte(`{"tool":"read_file","args":{"path":"main.go"}}`))
	require.NoError(t, err)
	require.NotNil(t, call.Read)
	assert.Equal(t, "main.go", call.Read.Path)

	call, err = Parse([]byte(`{"tool":"edit_file","args":{"path":"a.txt","edits":[{"type":"insert","startLine":1,"content":"x"}]}}`))
	require.NoError(t, err)
	require.NotNil(t, call.Edit)
	require.Len(t, call.Edit.Edits, 1)
	assert.Equal(t, EditInsert, call.Edit.Edits[0].Type)

	call, err = Parse([]byte(`{"tool":"git_status"}`))
	require.NoError(t, err)
	assert.NotNil(t, call.GitStatus)

	_, err = Parse([]byte(`{"tool":"format_disk"}`))
	require.Error(t, err)

	_, err = Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	contents := []string{"hello\n", "", "multi\nline\ncontent", "日本語テキスト"}
	for _, c := range contents {
		_, err := e.Execute(ctx, &ToolCall{Write: &WriteFileArgs{Path: "nested/dir/file.txt", Content: c}})
		require.NoError(t, err)

		got, err := e.Execute(ctx, &ToolCall{Read: &ReadFileArgs{Path: "nested/dir/file.txt"}})
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestReadRejectsEscapes(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../escape"} {
		_, err := e.Execute(ctx, &ToolCall{Read: &ReadFileArgs{Path: p}})
		require.Error(t, err, p)
		assert.Contains(t, err.Error(), "Access denied")
	}

	_, err := e.Execute(ctx, &ToolCall{Write: &WriteFileArgs{Path: "../evil.txt", Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Access denied")
}

func TestReadRejectsDirectory(t *testing.T) {
	e, ws := newExecutor(t)
	require.NoError(t, os.Mkdir(filepath.Join(ws, "subdir"), 0755))

	_, err := e.Execute(context.Background(), &ToolCall{Read: &ReadFileArgs{Path: "subdir"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot read directory as file")
}

func TestApplyEditsEmptyIsIdentity(t *testing.T) {
	content := "line1\nline2\nline3"
	got, err := ApplyEdits(content, nil)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestApplyEditsOperations(t *testing.T) {
	content := "one\ntwo\nthree\nfour"

	got, err := ApplyEdits(content, []Edit{{Type: EditReplace, StartLine: 2, EndLine: 3, Content: "TWO\nTHREE"}})
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\nTHREE\nfour", got)

	got, err = ApplyEdits(content, []Edit{{Type: EditInsert, StartLine: 1, Content: "zero"}})
	require.NoError(t, err)
	assert.Equal(t, "zero\none\ntwo\nthree\nfour", got)

	got, err = ApplyEdits(content, []Edit{{Type: EditDelete, StartLine: 2, EndLine: 3}})
	require.NoError(t, err)
	assert.Equal(t, "one\nfour", got)

	// Multiple edits are applied bottom-up so line numbers stay stable.
	got, err = ApplyEdits(content, []Edit{
		{Type: EditDelete, StartLine: 1},
		{Type: EditReplace, StartLine: 4, Content: "FOUR"},
	})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\nFOUR", got)
}

func TestApplyEditsValidation(t *testing.T) {
	content := "one\ntwo"

	_, err := ApplyEdits(content, []Edit{{Type: EditReplace, StartLine: 0, Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid start line")

	_, err = ApplyEdits(content, []Edit{{Type: EditReplace, StartLine: 2, EndLine: 1, Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "End line must be >= start line")

	_, err = ApplyEdits(content, []Edit{{Type: EditDelete, StartLine: 5}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds file length")
}

func TestListDirectorySorted(t *testing.T) {
	e, ws := newExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "b.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(ws, "dir"), 0755))

	out, err := e.Execute(context.Background(), &ToolCall{List: &ListDirectoryArgs{Path: "."}})
	require.NoError(t, err)

	var entries []DirEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "file", entries[0].Type)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, "dir", entries[2].Name)
	assert.Equal(t, "directory", entries[2].Type)
}

func TestRunCommandPropagatesRejection(t *testing.T) {
	e, _ := newExecutor(t)

	out, err := e.Execute(context.Background(), &ToolCall{Command: &RunCommandArgs{Command: "vim main.go"}})
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "interactive_command"))

	out, err = e.Execute(context.Background(), &ToolCall{Command: &RunCommandArgs{Command: "echo hi"}})
	require.NoError(t, err)

	var result supervisor.CommandResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", result.Stdout)
}
