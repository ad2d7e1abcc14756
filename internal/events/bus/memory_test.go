package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var received atomic.Int32
	var mu sync.Mutex
	var last *Event

	sub, err := b.Subscribe(SubjectWorkflowPhaseChanged, func(ctx context.Context, e *Event) error {
		mu.Lock()
		last = e
		mu.Unlock()
		received.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	event := NewEvent(SubjectWorkflowPhaseChanged, "engine", map[string]any{
		"workflowId": "wf-1",
		"from":       "meeting",
		"to":         "proposal",
	})
	require.NoError(t, b.Publish(context.Background(), SubjectWorkflowPhaseChanged, event))

	waitFor(t, func() bool { return received.Load() == 1 })
	mu.Lock()
	assert.Equal(t, "wf-1", last.Data["workflowId"])
	assert.Equal(t, "engine", last.Source)
	assert.NotEmpty(t, last.ID)
	mu.Unlock()
}

func TestWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var received atomic.Int32
	_, err := b.Subscribe("workflow.*", func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectWorkflowCreated, NewEvent(SubjectWorkflowCreated, "engine", nil)))
	require.NoError(t, b.Publish(ctx, SubjectWorkflowFailed, NewEvent(SubjectWorkflowFailed, "engine", nil)))
	require.NoError(t, b.Publish(ctx, SubjectTicketStatusChanged, NewEvent(SubjectTicketStatusChanged, "engine", nil)))

	waitFor(t, func() bool { return received.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), received.Load(), "ticket events do not match workflow.*")
}

func TestGreaterThanWildcardMatchesMultipleTokens(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var received atomic.Int32
	_, err := b.Subscribe(">", func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectWorkflowCreated, NewEvent(SubjectWorkflowCreated, "engine", nil)))
	require.NoError(t, b.Publish(ctx, SubjectApprovalDecided, NewEvent(SubjectApprovalDecided, "gate", nil)))

	waitFor(t, func() bool { return received.Load() == 2 })
}

func TestTrailingWildcardMatchesSubjectTail(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var received atomic.Int32
	_, err := b.Subscribe("workflow.>", func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectWorkflowPhaseChanged, NewEvent(SubjectWorkflowPhaseChanged, "engine", nil)))
	require.NoError(t, b.Publish(ctx, SubjectRunCompleted, NewEvent(SubjectRunCompleted, "pool", nil)))

	waitFor(t, func() bool { return received.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load(), "run events do not match workflow.>")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var received atomic.Int32
	sub, err := b.Subscribe(SubjectRunCompleted, func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectRunCompleted,
		NewEvent(SubjectRunCompleted, "pool", nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestQueueSubscribeDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var received atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe(SubjectApprovalRequested, "observers", func(ctx context.Context, e *Event) error {
			received.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), SubjectApprovalRequested,
		NewEvent(SubjectApprovalRequested, "gate", nil)))

	waitFor(t, func() bool { return received.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load(), "queue group delivers to exactly one subscriber")
}

func TestQueueRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	counts := make([]atomic.Int32, 2)
	for i := 0; i < 2; i++ {
		idx := i
		_, err := b.QueueSubscribe(SubjectRunCompleted, "workers", func(ctx context.Context, e *Event) error {
			counts[idx].Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, SubjectRunCompleted, NewEvent(SubjectRunCompleted, "pool", nil)))
	}

	waitFor(t, func() bool { return counts[0].Load()+counts[1].Load() == 4 })
	assert.Equal(t, int32(2), counts[0].Load())
	assert.Equal(t, int32(2), counts[1].Load())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), SubjectWorkflowCreated, NewEvent(SubjectWorkflowCreated, "engine", nil))
	require.Error(t, err)

	_, err = b.Subscribe(SubjectWorkflowCreated, func(ctx context.Context, e *Event) error { return nil })
	require.Error(t, err)
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	b, err := New(config.NATSConfig{}, logger.Default())
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.(*MemoryEventBus)
	assert.True(t, ok)
	assert.True(t, b.IsConnected())
}
