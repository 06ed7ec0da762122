package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/internal/notify"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/metrics"
)

type updateJob struct {
	ref      notify.MessageRef
	status   model.Status
	approver string
	enqAt    time.Time
}

// MessageUpdater 本地异步执行消息编辑，webhook 无需等待 Slack API 即可应答
type MessageUpdater struct {
	notifier notify.Notifier
	ch       chan updateJob
	timeout  time.Duration
}

func NewMessageUpdater(notifier notify.Notifier, queueSize int) *MessageUpdater {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &MessageUpdater{
		notifier: notifier,
		ch:       make(chan updateJob, queueSize),
		timeout:  10 * time.Second,
	}
}

// Start 启动 worker，返回停止函数；停止时处理完队列中剩余任务
func (u *MessageUpdater) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 2
	}
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case job := <-u.ch:
					u.process(job)
				case <-stopCh:
					for {
						select {
						case job := <-u.ch:
							u.process(job)
						default:
							return
						}
					}
				}
			}
		}()
	}
	return func(ctx context.Context) error {
		close(stopCh)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (u *MessageUpdater) process(job updateJob) {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	u.notifier.UpdateMessage(ctx, job.ref, job.status, job.approver)
	cancel()
	metrics.RecordUpdateLatency(time.Since(job.enqAt))
}

// Enqueue 队列满时丢弃并告警；消息只是展示，存储状态不受影响
func (u *MessageUpdater) Enqueue(ref notify.MessageRef, status model.Status, approver string) bool {
	select {
	case u.ch <- updateJob{ref: ref, status: status, approver: approver, enqAt: time.Now()}:
		return true
	default:
		metrics.RecordUpdateDropped()
		logger.Warn("message update queue full, drop update",
			zap.String("channel", ref.Channel),
			zap.String("ts", ref.TS),
			zap.String("status", string(status)))
		return false
	}
}

// QueueLen 当前队列长度（采样值）
func (u *MessageUpdater) QueueLen() int { return len(u.ch) }
