package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/internal/common/logger"
)

// backends returns one instance of every bus implementation, each on fresh
// storage.
func backends(t *testing.T) map[string]Bus {
	t.Helper()

	mr := miniredis.RunT(t)
	return map[string]Bus{
		"file":   NewFileBus(t.TempDir(), logger.Default()),
		"sqlite": NewSQLiteBus(filepath.Join(t.TempDir(), "bus.db"), logger.Default()),
		"redis":  NewRedisBus(mr.Addr(), 0, logger.Default()),
	}
}

func TestSendAndPollFIFO(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Initialize(ctx))
			defer b.Close()

			for i := 0; i < 5; i++ {
				msg := NewMessage(TypeTaskAssign, "orchestrator", "worker-1", map[string]any{
					"ticketId": fmt.Sprintf("T-%d", i),
				})
				// Distinct timestamps keep the ordering assertion meaningful.
				msg.Timestamp = msg.Timestamp.Add(time.Duration(i) * time.Millisecond)
				require.NoError(t, b.Send(ctx, msg))
			}

			msgs, err := b.Poll(ctx, "worker-1", time.Second)
			require.NoError(t, err)
			require.Len(t, msgs, 5)
			for i, m := range msgs {
				assert.Equal(t, fmt.Sprintf("T-%d", i), m.Payload["ticketId"])
				assert.Equal(t, TypeTaskAssign, m.Type)
				assert.Equal(t, "orchestrator", m.From)
			}

			// Consumed on poll: a second poll is empty.
			msgs, err = b.Poll(ctx, "worker-1", 50*time.Millisecond)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestPollTimeoutReturnsEmpty(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Initialize(ctx))
			defer b.Close()

			start := time.Now()
			msgs, err := b.Poll(ctx, "idle-agent", 150*time.Millisecond)
			require.NoError(t, err)
			assert.Empty(t, msgs)
			assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		})
	}
}

func TestPollInboxIsolation(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Initialize(ctx))
			defer b.Close()

			require.NoError(t, b.Send(ctx, NewMessage(TypeTaskAssign, "orchestrator", "worker-a", nil)))
			require.NoError(t, b.Send(ctx, NewMessage(TypeTaskAssign, "orchestrator", "worker-b", nil)))

			msgs, err := b.Poll(ctx, "worker-a", time.Second)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "worker-a", msgs[0].To)

			msgs, err = b.Poll(ctx, "worker-b", time.Second)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "worker-b", msgs[0].To)
		})
	}
}

func TestBroadcastExcludesSenderAndExceptions(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Initialize(ctx))
			defer b.Close()

			// Register three workers by making each poll once.
			for _, agent := range []string{"worker-a", "worker-b", "worker-c"} {
				_, err := b.Poll(ctx, agent, 10*time.Millisecond)
				require.NoError(t, err)
			}

			msg := NewMessage(TypeBroadcast, "worker-a", "", map[string]any{"note": "pause"})
			require.NoError(t, b.Broadcast(ctx, msg, []string{"worker-c"}))

			msgs, err := b.Poll(ctx, "worker-b", time.Second)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "pause", msgs[0].Payload["note"])

			for _, agent := range []string{"worker-a", "worker-c"} {
				msgs, err := b.Poll(ctx, agent, 50*time.Millisecond)
				require.NoError(t, err)
				assert.Empty(t, msgs, "agent %s should not receive the broadcast", agent)
			}
		})
	}
}

func TestHistoryRecordsRunMessages(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Initialize(ctx))
			defer b.Close()

			for i := 0; i < 3; i++ {
				msg := NewMessage(TypeTaskResult, "worker-1", "orchestrator", map[string]any{
					"runId": "run-42",
					"step":  fmt.Sprintf("s%d", i),
				})
				require.NoError(t, b.Send(ctx, msg))
			}
			// A message for another run stays out of run-42's history.
			require.NoError(t, b.Send(ctx, NewMessage(TypeTaskResult, "worker-1", "orchestrator",
				map[string]any{"runId": "run-other"})))

			// History survives consumption.
			_, err := b.Poll(ctx, "orchestrator", time.Second)
			require.NoError(t, err)

			history, err := b.History(ctx, "run-42")
			require.NoError(t, err)
			require.Len(t, history, 3)
			for i, m := range history {
				assert.Equal(t, fmt.Sprintf("s%d", i), m.Payload["step"])
			}

			empty, err := b.History(ctx, "run-missing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestFileBusCleanupRemovesOldMessages(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := NewFileBus(dir, logger.Default())
	require.NoError(t, b.Initialize(ctx))

	require.NoError(t, b.Send(ctx, NewMessage(TypeTaskAssign, "orchestrator", "worker-1",
		map[string]any{"runId": "run-1"})))

	// Nothing is older than the retention window yet.
	require.NoError(t, b.Cleanup(ctx, 7))
	msgs, err := b.Poll(ctx, "worker-1", time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	history, err := b.History(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Retention of -1 days puts the cutoff in the future, so everything goes.
	require.NoError(t, b.Cleanup(ctx, -1))
	history, err = b.History(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLiteBusCleanup(t *testing.T) {
	ctx := context.Background()
	b := NewSQLiteBus(filepath.Join(t.TempDir(), "bus.db"), logger.Default())
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()

	require.NoError(t, b.Send(ctx, NewMessage(TypeTaskAssign, "orchestrator", "worker-1",
		map[string]any{"runId": "run-1"})))

	require.NoError(t, b.Cleanup(ctx, -1))

	msgs, err := b.Poll(ctx, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	history, err := b.History(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendRequiresRecipient(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Initialize(ctx))
			defer b.Close()

			err := b.Send(ctx, NewMessage(TypeTaskAssign, "orchestrator", "", nil))
			assert.Error(t, err)
		})
	}
}
