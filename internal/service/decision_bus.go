package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/approval-gate/internal/model"
)

// DecisionEvent 决策写入后广播的事件
type DecisionEvent struct {
	RunID  string       `json:"run_id"`
	ItemID string       `json:"item_id"`
	Status model.Status `json:"status"`
}

// DecisionBus 跨进程的变更通知；只用于提前唤醒等待者，状态仍以存储为准
type DecisionBus interface {
	Publish(ctx context.Context, ev DecisionEvent) error
	Subscribe(ctx context.Context, runID, itemID string) (<-chan struct{}, func(), error)
}

// RedisDecisionBus 基于 redis pub/sub
type RedisDecisionBus struct {
	client *redis.Client
	prefix string
}

func NewRedisDecisionBus(client *redis.Client) *RedisDecisionBus {
	return &RedisDecisionBus{client: client, prefix: "approvals:decisions:"}
}

func (b *RedisDecisionBus) channel(runID, itemID string) string {
	return fmt.Sprintf("%s%s:%s", b.prefix, runID, itemID)
}

func (b *RedisDecisionBus) Publish(ctx context.Context, ev DecisionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(ev.RunID, ev.ItemID), payload).Err()
}

// Subscribe 返回唤醒通道与取消函数；通道容量为 1，多次通知合并
func (b *RedisDecisionBus) Subscribe(ctx context.Context, runID, itemID string) (<-chan struct{}, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(runID, itemID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to decisions for %s/%s: %w", runID, itemID, err)
	}

	wake := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		for range msgs {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake, func() { _ = ps.Close() }, nil
}
