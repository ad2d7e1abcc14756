package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
)

const (
	redisInboxPrefix   = "bus:inbox:"
	redisHistoryPrefix = "bus:history:"
	redisAgentsKey     = "bus:agents"
)

// RedisBus keeps each inbox in a redis list and run history in a second list.
// BLPOP gives native blocking polls, so no sleep loop is needed.
type RedisBus struct {
	client *redis.Client
	logger *logger.Logger
}

// NewRedisBus creates a redis-backed bus.
func NewRedisBus(addr string, db int, log *logger.Logger) *RedisBus {
	if log == nil {
		log = logger.Default()
	}
	return &RedisBus{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		logger: log.WithFields(zap.String("component", "bus-redis")),
	}
}

func (b *RedisBus) Type() string { return "redis" }

// Initialize verifies connectivity.
func (b *RedisBus) Initialize(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (b *RedisBus) register(ctx context.Context, agentID string) error {
	if agentID == "" {
		return nil
	}
	return b.client.SAdd(ctx, redisAgentsKey, agentID).Err()
}

// Send RPUSHes the message onto the recipient inbox and the run history.
func (b *RedisBus) Send(ctx context.Context, msg *Message) error {
	if msg.To == "" {
		return fmt.Errorf("message has no recipient")
	}
	if err := b.register(ctx, msg.From); err != nil {
		return err
	}
	if err := b.register(ctx, msg.To); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, redisInboxPrefix+msg.To, data)
	if runID := msg.RunID(); runID != "" {
		pipe.RPush(ctx, redisHistoryPrefix+runID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Poll blocks up to timeout for the first message, then drains whatever else
// is queued. List order is send order.
func (b *RedisBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
	if err := b.register(ctx, agentID); err != nil {
		return nil, err
	}

	key := redisInboxPrefix + agentID
	first, err := b.client.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return []*Message{}, nil
		}
		return nil, err
	}

	// BLPop returns [key, value].
	raw := []string{first[1]}
	for {
		v, err := b.client.LPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return nil, err
		}
		raw = append(raw, v)
	}

	msgs := make([]*Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			b.logger.Warn("skipping corrupt message", zap.Error(err))
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Broadcast fans out to every registered agent except the sender and
// exclusions.
func (b *RedisBus) Broadcast(ctx context.Context, msg *Message, except []string) error {
	agents, err := b.client.SMembers(ctx, redisAgentsKey).Result()
	if err != nil {
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

// History returns the run's recorded messages in send order.
func (b *RedisBus) History(ctx context.Context, runID string) ([]*Message, error) {
	raw, err := b.client.LRange(ctx, redisHistoryPrefix+runID, 0, -1).Result()
	if err != nil {
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

// Cleanup applies a TTL to history lists older than retentionDays. Inbox
// entries are expected to be consumed; stale inboxes get the same TTL.
func (b *RedisBus) Cleanup(ctx context.Context, retentionDays int) error {
	retention := time.Duration(retentionDays) * 24 * time.Hour

	var cursor uint64
	for _, prefix := range []string{redisHistoryPrefix, redisInboxPrefix} {
		cursor = 0
		for {
			keys, next, err := b.client.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				// Only set a TTL where none exists, so repeated cleanups do
				// not keep pushing expiry forward.
				ttl, err := b.client.TTL(ctx, key).Result()
				if err == nil && ttl < 0 {
					_ = b.client.Expire(ctx, key, retention).Err()
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

// Close closes the redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
