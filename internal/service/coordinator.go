package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/internal/notify"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/metrics"
)

var ErrNoReviewChannel = errors.New("no notifier or local prompter configured for review")

var tracer = otel.Tracer("github.com/d60-Lab/approval-gate/internal/service")

// Source 决定来自哪里
type Source string

const (
	SourceAuto    Source = "auto"
	SourceChannel Source = "channel"
	SourceLocal   Source = "local"
)

// Item 一个待审单元
type Item struct {
	ID    string
	Title string
	Body  string
}

// Outcome 审批结果；Rejected 属于正常业务结果，不作为错误返回
type Outcome struct {
	RunID        string
	ItemID       string
	Status       model.Status
	ApproverID   string
	ApproverName string
	Reason       string
	Source       Source
}

func (o *Outcome) Approved() bool { return o.Status == model.StatusApproved }

// TimeoutError 超时且未启用本地兜底，运维需按 run/item 手动处理
type TimeoutError struct {
	RunID   string
	ItemID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("approval for run %s item %s timed out after %s; resolve it manually", e.RunID, e.ItemID, e.Timeout)
}

// Prompter 本地同步确认
type Prompter interface {
	Confirm(ctx context.Context, label, text string, previewLimit int) (bool, error)
}

// Coordinator 生产者侧：登记、通知、等待、兜底
type Coordinator struct {
	repo     repository.ApprovalRepository
	notifier notify.Notifier
	bus      DecisionBus
	prompter Prompter
	cfg      config.ApprovalConfig

	promptMu sync.Mutex
}

type CoordinatorOption func(*Coordinator)

func WithDecisionBus(bus DecisionBus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = bus }
}

func WithPrompter(p Prompter) CoordinatorOption {
	return func(c *Coordinator) { c.prompter = p }
}

// NewCoordinator notifier 为 nil 时退化为纯本地确认
func NewCoordinator(repo repository.ApprovalRepository, notifier notify.Notifier, cfg config.ApprovalConfig, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{repo: repo, notifier: notifier, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRunID 每次运行生成一次
func NewRunID() string { return uuid.NewString() }

// RequestApproval 阻塞直到该条目得到决定
func (c *Coordinator) RequestApproval(ctx context.Context, runID string, item Item) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "approval.request")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("item_id", item.ID))

	if c.cfg.AutoApprove {
		metrics.RecordDecision(string(model.StatusApproved), string(SourceAuto))
		return &Outcome{RunID: runID, ItemID: item.ID, Status: model.StatusApproved, Source: SourceAuto}, nil
	}
	if c.notifier == nil {
		if c.prompter == nil {
			return nil, ErrNoReviewChannel
		}
		return c.promptLocally(ctx, runID, item)
	}

	if err := c.repo.Upsert(ctx, repository.UpsertParams{
		RunID:  runID,
		ItemID: item.ID,
		Title:  item.Title,
		Body:   item.Body,
		Status: model.StatusPending,
	}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to register %s/%s: %w", runID, item.ID, err)
	}

	var waitOpts []repository.WaitOption
	if c.bus != nil {
		wake, unsubscribe, err := c.bus.Subscribe(ctx, runID, item.ID)
		if err != nil {
			logger.Warn("decision bus unavailable, polling only", zap.Error(err))
		} else {
			defer unsubscribe()
			waitOpts = append(waitOpts, repository.WithWakeup(wake))
		}
	}

	c.post(ctx, runID, item)

	started := time.Now()
	rec, err := c.repo.WaitForTerminal(ctx, runID, item.ID, c.cfg.Timeout(), c.cfg.PollInterval(), waitOpts...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed waiting for %s/%s: %w", runID, item.ID, err)
	}
	metrics.RecordWait(string(rec.Status), time.Since(started))
	span.SetAttributes(attribute.String("status", string(rec.Status)))

	switch rec.Status {
	case model.StatusApproved, model.StatusRejected:
		out := outcomeFromRecord(rec)
		if rec.Status == model.StatusRejected {
			logger.Info("draft not approved",
				zap.String("run_id", runID),
				zap.String("item_id", item.ID),
				zap.String("approver", out.ApproverName))
		}
		return out, nil
	}

	if c.cfg.FallbackOnTimeout && c.prompter != nil {
		logger.Warn("approval timed out, falling back to local prompt",
			zap.String("run_id", runID),
			zap.String("item_id", item.ID),
			zap.Duration("timeout", c.cfg.Timeout()))
		return c.promptLocally(ctx, runID, item)
	}
	err = &TimeoutError{RunID: runID, ItemID: item.ID, Timeout: c.cfg.Timeout()}
	span.RecordError(err)
	return nil, err
}

// post 通知失败不致命，条目最终会超时
func (c *Coordinator) post(ctx context.Context, runID string, item Item) {
	ref, err := c.notifier.PostDraft(ctx, notify.Draft{
		RunID:  runID,
		ItemID: item.ID,
		Title:  item.Title,
		Body:   item.Body,
	}, c.cfg.PreviewChars)
	if err != nil {
		logger.Error("failed to post draft for review",
			zap.String("run_id", runID),
			zap.String("item_id", item.ID),
			zap.Error(err))
		return
	}
	if err := c.repo.AttachChannelRefs(ctx, runID, item.ID, ref.TS, ref.Channel); err != nil {
		logger.Error("failed to attach channel refs",
			zap.String("run_id", runID),
			zap.String("item_id", item.ID),
			zap.Error(err))
	}
}

// promptLocally 本地确认串行执行，避免多个条目同时抢占终端
func (c *Coordinator) promptLocally(ctx context.Context, runID string, item Item) (*Outcome, error) {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()

	label := item.Title
	if label == "" {
		label = item.ID
	}
	ok, err := c.prompter.Confirm(ctx, label, item.Body, c.cfg.PreviewChars)
	if err != nil {
		return nil, fmt.Errorf("local approval for %s/%s failed: %w", runID, item.ID, err)
	}
	status := model.StatusRejected
	if ok {
		status = model.StatusApproved
	}
	metrics.RecordDecision(string(status), string(SourceLocal))
	return &Outcome{RunID: runID, ItemID: item.ID, Status: status, Source: SourceLocal}, nil
}

// RequestAll 并发处理多个条目，结果顺序与输入一致
func (c *Coordinator) RequestAll(ctx context.Context, runID string, items []Item) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = c.RequestApproval(ctx, runID, items[i])
		}(i)
	}
	wg.Wait()
	return outcomes, errors.Join(errs...)
}

func outcomeFromRecord(rec *model.Approval) *Outcome {
	return &Outcome{
		RunID:        rec.RunID,
		ItemID:       rec.ItemID,
		Status:       rec.Status,
		ApproverID:   deref(rec.ApproverID),
		ApproverName: deref(rec.ApproverName),
		Reason:       deref(rec.Reason),
		Source:       SourceChannel,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
