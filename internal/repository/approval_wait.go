package repository

import (
	"context"
	"errors"
	"time"

	"github.com/d60-Lab/approval-gate/internal/model"
)

type waitOptions struct {
	wakeup <-chan struct{}
}

// WaitOption 调整 WaitForTerminal 行为
type WaitOption func(*waitOptions)

// WithWakeup 收到信号时立即重新检查，而不是等到下一次轮询
func WithWakeup(ch <-chan struct{}) WaitOption {
	return func(o *waitOptions) { o.wakeup = ch }
}

// WaitForTerminal 轮询直到 approved/rejected；到期前最后再查一次，
// 仍未决则返回只含 run_id、item_id 与 timeout 状态的结果。
// 只读操作，取消 ctx 无需回滚。
func (r *GormApprovalRepository) WaitForTerminal(ctx context.Context, runID, itemID string, timeout, pollInterval time.Duration, opts ...WaitOption) (*model.Approval, error) {
	return waitForTerminal(ctx, r, runID, itemID, timeout, pollInterval, opts...)
}

type getter interface {
	Get(ctx context.Context, runID, itemID string) (*model.Approval, error)
}

func waitForTerminal(ctx context.Context, g getter, runID, itemID string, timeout, pollInterval time.Duration, opts ...WaitOption) (*model.Approval, error) {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	check := func() (*model.Approval, error) {
		rec, err := g.Get(ctx, runID, itemID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		return nil, nil
	}

	if timeout <= 0 {
		rec, err := check()
		if rec != nil || err != nil {
			return rec, err
		}
		return timedOut(runID, itemID), nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, err := check()
		if rec != nil || err != nil {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			// 截止时刻恰好落地的决策也要看到
			rec, err := check()
			if rec != nil || err != nil {
				return rec, err
			}
			return timedOut(runID, itemID), nil
		case <-ticker.C:
		case _, ok := <-o.wakeup:
			if !ok {
				// 通知源已关闭，退回纯轮询
				o.wakeup = nil
			}
		}
	}
}

func timedOut(runID, itemID string) *model.Approval {
	return &model.Approval{RunID: runID, ItemID: itemID, Status: model.StatusTimeout}
}
