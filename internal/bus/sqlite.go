package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	type       TEXT NOT NULL,
	sender     TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, seq);

CREATE TABLE IF NOT EXISTS history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_run ON history(run_id, seq);

CREATE TABLE IF NOT EXISTS agents (
	agent_id   TEXT PRIMARY KEY,
	last_seen  TIMESTAMP NOT NULL
);
`

// SQLiteBus stores inboxes and run history in a single sqlite database.
// Consumption deletes rows inside one transaction, so a message is delivered
// to exactly one poll.
type SQLiteBus struct {
	db     *sqlx.DB
	path   string
	logger *logger.Logger
}

// NewSQLiteBus creates a sqlite-backed bus at the given database path.
func NewSQLiteBus(path string, log *logger.Logger) *SQLiteBus {
	if log == nil {
		log = logger.Default()
	}
	return &SQLiteBus{
		path:   path,
		logger: log.WithFields(zap.String("component", "bus-sqlite")),
	}
}

func (b *SQLiteBus) Type() string { return "sqlite" }

// Initialize opens the database and applies the schema.
func (b *SQLiteBus) Initialize(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", b.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open bus database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply bus schema: %w", err)
	}
	b.db = db
	return nil
}

func (b *SQLiteBus) register(ctx context.Context, agentID string) error {
	if agentID == "" {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, last_seen) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_seen = excluded.last_seen`,
		agentID, time.Now().UTC())
	return err
}

// Send inserts the message into the recipient's inbox and the run history.
func (b *SQLiteBus) Send(ctx context.Context, msg *Message) error {
	if msg.To == "" {
		return fmt.Errorf("message has no recipient")
	}
	if err := b.register(ctx, msg.From); err != nil {
		return err
	}
	if err := b.register(ctx, msg.To); err != nil {
		return err
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	full, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, type, sender, recipient, payload, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Type, msg.From, msg.To, string(payload), msg.RunID(), msg.Timestamp); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	if runID := msg.RunID(); runID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history (run_id, message, created_at) VALUES (?, ?, ?)`,
			runID, string(full), msg.Timestamp); err != nil {
			return fmt.Errorf("failed to record history: %w", err)
		}
	}
	return tx.Commit()
}

type messageRow struct {
	Seq       int64     `db:"seq"`
	ID        string    `db:"id"`
	Type      string    `db:"type"`
	Sender    string    `db:"sender"`
	Recipient string    `db:"recipient"`
	Payload   string    `db:"payload"`
	RunID     string    `db:"run_id"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *messageRow) toMessage() *Message {
	msg := &Message{
		ID:        r.ID,
		Type:      r.Type,
		From:      r.Sender,
		To:        r.Recipient,
		Timestamp: r.CreatedAt,
	}
	_ = json.Unmarshal([]byte(r.Payload), &msg.Payload)
	return msg
}

// Poll waits up to timeout for messages and consumes them in insertion order.
func (b *SQLiteBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
	if err := b.register(ctx, agentID); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		msgs, err := b.consume(ctx, agentID)
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

func (b *SQLiteBus) consume(ctx context.Context, agentID string) ([]*Message, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var rows []messageRow
	if err := tx.SelectContext(ctx, &rows, `
		SELECT seq, id, type, sender, recipient, payload, run_id, created_at
		FROM messages WHERE recipient = ? ORDER BY seq`, agentID); err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	msgs := make([]*Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toMessage())
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, r.Seq); err != nil {
			return nil, fmt.Errorf("failed to consume message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Broadcast fans out to every registered agent except the sender and
// exclusions.
func (b *SQLiteBus) Broadcast(ctx context.Context, msg *Message, except []string) error {
	var agents []string
	if err := b.db.SelectContext(ctx, &agents, `SELECT agent_id FROM agents ORDER BY agent_id`); err != nil {
		return err
	}

	excluded := map[string]bool{msg.From: true}
	for _, e := range except {
		excluded[e] = true
	}

	for _, agent := range agents {
		if excluded[agent] {
			continue
		}
		copy := *msg
		copy.ID = fmt.Sprintf("%s-%s", msg.ID, agent)
		copy.To = agent
		if err := b.Send(ctx, &copy); err != nil {
			b.logger.Warn("broadcast delivery failed", zap.String("agent_id", agent), zap.Error(err))
		}
	}
	return nil
}

// History returns every recorded message for the run in send order.
func (b *SQLiteBus) History(ctx context.Context, runID string) ([]*Message, error) {
	var raw []string
	if err := b.db.SelectContext(ctx, &raw, `
		SELECT message FROM history WHERE run_id = ? ORDER BY seq`, runID); err != nil {
		if err == sql.ErrNoRows {
			return []*Message{}, nil
		}
		return nil, err
	}

	msgs := make([]*Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Cleanup deletes messages, history, and stale agent rows older than
// retentionDays.
func (b *SQLiteBus) Cleanup(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	if _, err := b.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM agents WHERE last_seen < ?
		AND agent_id NOT IN (SELECT DISTINCT recipient FROM messages)`, cutoff)
	return err
}

// Close closes the database.
func (b *SQLiteBus) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

var _ Bus = (*SQLiteBus)(nil)
