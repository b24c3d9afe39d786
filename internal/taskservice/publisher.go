package taskservice

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"ingestgraph/internal/config"
)

// Publisher fans a StatusEvent out to interested subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, StatusEvent) error { return nil }

// RedisPublisher publishes status events on a per-task Redis channel,
// following the generation-invalidation pub/sub shape of
// internal/workspaces/redis_cache.go's PublishInvalidation, generalized
// from a single project-scoped channel to one channel per task id plus a
// shared "all tasks" channel for dashboard-style subscribers.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher connects to cfg.RedisAddr and pings it once. Returns nil
// (disabling fan-out) when RedisAddr is unset.
func NewRedisPublisher(cfg *config.Config) (*RedisPublisher, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) taskChannel(taskID string) string {
	return "ingestgraph:task:" + taskID + ":status"
}

const allTasksChannel = "ingestgraph:tasks:status"

// Publish writes ev to both the task-scoped channel and the shared
// all-tasks channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.taskChannel(ev.TaskID), data)
	pipe.Publish(ctx, allTasksChannel, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe streams status events for one task. ctx is used only to set up
// the subscription; the stream ends when the returned cancel function is
// called, which also releases the subscription.
func (p *RedisPublisher) Subscribe(ctx context.Context, taskID string) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 8)
	sub := p.client.Subscribe(ctx, p.taskChannel(taskID))
	go func() {
		for msg := range sub.Channel() {
			var ev StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}()
	cancel := func() {
		_ = sub.Close()
		close(ch)
	}
	return ch, cancel
}

// Close releases the underlying Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
