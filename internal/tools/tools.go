// Package tools is the worker-side tool surface the LLM chat loop drives.
// A tool call is a tagged variant: exactly one payload field is set, and the
// executor dispatches on the tag. No reflection.
package tools

import (
	"encoding/json"
	"fmt"
)

// Tool names as emitted by the model.
const (
	NameReadFile      = "read_file"
	NameWriteFile     = "write_file"
	NameEditFile      = "edit_file"
	NameListDirectory = "list_directory"
	NameRunCommand    = "run_command"
	NameGitCommit     = "git_commit"
	NameGitStatus     = "git_status"
)

// ReadFileArgs reads one file inside the workspace.
type ReadFileArgs struct {
	Path string `json:"path"`
}

// WriteFileArgs creates or overwrites one file, creating parent directories.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditType is one of replace, insert, delete.
type EditType string

const (
	EditReplace EditType = "replace"
	EditInsert  EditType = "insert"
	EditDelete  EditType = "delete"
)

// Edit is one line-oriented mutation. Lines are 1-based.
type Edit struct {
	Type      EditType `json:"type"`
	StartLine int      `json:"startLine"`
	EndLine   int      `json:"endLine,omitempty"`
	Content   string   `json:"content,omitempty"`
}

// EditFileArgs applies a batch of edits to one file.
type EditFileArgs struct {
	Path  string `json:"path"`
	Edits []Edit `json:"edits"`
}

// ListDirectoryArgs lists one directory.
type ListDirectoryArgs struct {
	Path string `json:"path"`
}

// RunCommandArgs delegates a shell command to the process supervisor.
type RunCommandArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// GitCommitArgs stages and commits through the git coordinator.
type GitCommitArgs struct {
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
}

// GitStatusArgs has no parameters.
type GitStatusArgs struct{}

// ToolCall is the tagged variant. Exactly one payload pointer is non-nil.
type ToolCall struct {
	Name string

	Read      *ReadFileArgs
	Write     *WriteFileArgs
	Edit      *EditFileArgs
	List      *ListDirectoryArgs
	Command   *RunCommandArgs
	GitCommit *GitCommitArgs
	GitStatus *GitStatusArgs
}

// wireCall is the JSON shape the model emits:
// {"tool": "read_file", "args": {...}}.
type wireCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Parse decodes one tool call from its wire form.
func Parse(data []byte) (*ToolCall, error) {
	var wire wireCall
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("malformed tool call: %w", err)
	}
	if wire.Args == nil {
		wire.Args = json.RawMessage("{}")
	}

	call := &ToolCall{Name: wire.Tool}
	var err error
	switch wire.Tool {
	case NameReadFile:
		call.Read = &ReadFileArgs{}
		err = json.Unmarshal(wire.Args, call.Read)
	case NameWriteFile:
		call.Write = &WriteFileArgs{}
		err = json.Unmarshal(wire.Args, call.Write)
	case NameEditFile:
		call.Edit = &EditFileArgs{}
		err = json.Unmarshal(wire.Args, call.Edit)
	case NameListDirectory:
		call.List = &ListDirectoryArgs{}
		err = json.Unmarshal(wire.Args, call.List)
	case NameRunCommand:
		call.Command = &RunCommandArgs{}
		err = json.Unmarshal(wire.Args, call.Command)
	case NameGitCommit:
		call.GitCommit = &GitCommitArgs{}
		err = json.Unmarshal(wire.Args, call.GitCommit)
	case NameGitStatus:
		call.GitStatus = &GitStatusArgs{}
	default:
		return nil, fmt.Errorf("unknown tool: %s", wire.Tool)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", wire.Tool, err)
	}
	return call, nil
}

// DirEntry is one row of a list_directory result.
type DirEntry struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // file, directory, symlink, other
	Size       int64  `json:"size,omitempty"`
	ModifiedAt string `json:"modifiedAt"`
}
