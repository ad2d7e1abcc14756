package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
)

// FileBus is the reference message bus backend. Each inbox is a directory of
// one-message JSON files named <unixnano>-<msgId>.json so lexical order is
// send order; run history is an append-only JSONL file.
type FileBus struct {
	root   string // <stateDir>/bus
	logger *logger.Logger
	mu     sync.Mutex // serializes history appends and inbox consumption
}

// NewFileBus creates a file-backed bus rooted at <stateDir>/bus.
func NewFileBus(stateDir string, log *logger.Logger) *FileBus {
	if log == nil {
		log = logger.Default()
	}
	return &FileBus{
		root:   filepath.Join(stateDir, "bus"),
		logger: log.WithFields(zap.String("component", "bus-file")),
	}
}

// Type identifies the backend.
func (b *FileBus) Type() string { return "file" }

// Initialize creates the queue and history directories.
func (b *FileBus) Initialize(ctx context.Context) error {
	for _, dir := range []string{b.queuesDir(), b.historyDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create bus directory: %w", err)
		}
	}
	return nil
}

func (b *FileBus) queuesDir() string  { return filepath.Join(b.root, "queues") }
func (b *FileBus) historyDir() string { return filepath.Join(b.root, "history") }

func (b *FileBus) inboxDir(agentID string) string {
	return filepath.Join(b.queuesDir(), agentID)
}

// register ensures an agent has an inbox directory. Registration is implicit
// on send.
func (b *FileBus) register(agentID string) error {
	if agentID == "" {
		return nil
	}
	return os.MkdirAll(b.inboxDir(agentID), 0755)
}

// Send writes the message into the recipient inbox and appends run history.
func (b *FileBus) Send(ctx context.Context, msg *Message) error {
	if msg.To == "" {
		return fmt.Errorf("message has no recipient")
	}
	if err := b.register(msg.From); err != nil {
		return err
	}
	if err := b.register(msg.To); err != nil {
		return err
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", msg.Timestamp.UnixNano(), msg.ID)
	path := filepath.Join(b.inboxDir(msg.To), name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	if runID := msg.RunID(); runID != "" {
		if err := b.appendHistory(runID, data); err != nil {
			b.logger.Warn("failed to append history", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return nil
}

func (b *FileBus) appendHistory(runID string, msgJSON []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(b.historyDir(), runID+".jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	compact, err := json.Marshal(json.RawMessage(msgJSON))
	if err != nil {
		return err
	}
	_, err = f.Write(append(compact, '\n'))
	return err
}

// Poll waits up to timeout for messages and consumes them.
func (b *FileBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
	if err := b.register(agentID); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		msgs, err := b.drain(agentID)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return []*Message{}, nil
		}
		select {
		case <-ctx.Done():
			return []*Message{}, nil
		case <-time.After(pollInterval):
		}
	}
}

// drain consumes every message currently in the inbox, in filename order.
func (b *FileBus) drain(agentID string) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := b.inboxDir(agentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var msgs []*Message
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("skipping corrupt message file", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to consume message: %w", err)
		}
		msgs = append(msgs, &msg)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// Broadcast sends to every registered agent except the sender and exclusions.
func (b *FileBus) Broadcast(ctx context.Context, msg *Message, except []string) error {
	entries, err := os.ReadDir(b.queuesDir())
	if err != nil {
		return err
	}

	excluded := map[string]bool{msg.From: true}
	for _, e := range except {
		excluded[e] = true
	}

	for _, e := range entries {
		if !e.IsDir() || excluded[e.Name()] {
			continue
		}
		copy := *msg
		copy.ID = fmt.Sprintf("%s-%s", msg.ID, e.Name())
		copy.To = e.Name()
		if err := b.Send(ctx, &copy); err != nil {
			b.logger.Warn("broadcast delivery failed",
				zap.String("agent_id", e.Name()), zap.Error(err))
		}
	}
	return nil
}

// History reads the run's JSONL history file.
func (b *FileBus) History(ctx context.Context, runID string) ([]*Message, error) {
	data, err := os.ReadFile(filepath.Join(b.historyDir(), runID+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*Message{}, nil
		}
		return nil, err
	}

	var msgs []*Message
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Cleanup removes messages and history files older than retentionDays, and
// empty inbox directories older than the threshold.
func (b *FileBus) Cleanup(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	inboxes, err := os.ReadDir(b.queuesDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, inbox := range inboxes {
		if !inbox.IsDir() {
			continue
		}
		dir := filepath.Join(b.queuesDir(), inbox.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		remaining := 0
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, f.Name()))
			} else {
				remaining++
			}
		}
		if remaining == 0 {
			if info, err := inbox.Info(); err == nil && info.ModTime().Before(cutoff) {
				_ = os.Remove(dir)
			}
		}
	}

	histories, err := os.ReadDir(b.historyDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, h := range histories {
		info, err := h.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(b.historyDir(), h.Name()))
		}
	}
	return nil
}

// Close is a no-op for the file backend.
func (b *FileBus) Close() error { return nil }

var _ Bus = (*FileBus)(nil)
