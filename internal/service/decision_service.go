package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/internal/notify"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/metrics"
)

var (
	ErrUnknownAction = errors.New("unknown decision action")
)

// Decision 一次审批决定
type Decision struct {
	RunID        string
	ItemID       string
	Status       model.Status
	ApproverID   string
	ApproverName string
	Reason       string
	// Message 非空时编辑该条渠道消息
	Message *notify.MessageRef
	Source  string
}

// StatusForAction approve→approved，reject→rejected
func StatusForAction(action string) (model.Status, error) {
	switch action {
	case notify.ActionApprove:
		return model.StatusApproved, nil
	case notify.ActionReject:
		return model.StatusRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// DecisionService 记录审批决定
type DecisionService interface {
	// Decide 写入决定；记录不存在时返回 repository.ErrNotFound 且不创建
	Decide(ctx context.Context, d Decision) (*model.Approval, error)
	// Resolve 运维手动处理，使用存储中的消息引用
	Resolve(ctx context.Context, d Decision) (*model.Approval, error)
	Get(ctx context.Context, runID, itemID string) (*model.Approval, error)
	ListRun(ctx context.Context, runID string) ([]*model.Approval, error)
}

type decisionService struct {
	repo    repository.ApprovalRepository
	updater *MessageUpdater
	bus     DecisionBus
}

// NewDecisionService updater 与 bus 均可为 nil
func NewDecisionService(repo repository.ApprovalRepository, updater *MessageUpdater, bus DecisionBus) DecisionService {
	return &decisionService{repo: repo, updater: updater, bus: bus}
}

func (s *decisionService) Decide(ctx context.Context, d Decision) (*model.Approval, error) {
	if !d.Status.Terminal() {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidStatus, d.Status)
	}
	err := s.repo.UpdateStatus(ctx, d.RunID, d.ItemID, d.Status, repository.Approver{
		ID:     d.ApproverID,
		Name:   d.ApproverName,
		Reason: d.Reason,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordDecision(string(d.Status), d.Source)
	logger.Info("approval decision recorded",
		zap.String("run_id", d.RunID),
		zap.String("item_id", d.ItemID),
		zap.String("status", string(d.Status)),
		zap.String("approver", d.ApproverName),
		zap.String("source", d.Source))

	if s.bus != nil {
		if err := s.bus.Publish(ctx, DecisionEvent{RunID: d.RunID, ItemID: d.ItemID, Status: d.Status}); err != nil {
			logger.Warn("failed to publish decision event",
				zap.String("run_id", d.RunID),
				zap.String("item_id", d.ItemID),
				zap.Error(err))
		}
	}
	if d.Message != nil && s.updater != nil {
		s.updater.Enqueue(*d.Message, d.Status, d.ApproverName)
	}

	return s.repo.Get(ctx, d.RunID, d.ItemID)
}

func (s *decisionService) Resolve(ctx context.Context, d Decision) (*model.Approval, error) {
	rec, err := s.repo.Get(ctx, d.RunID, d.ItemID)
	if err != nil {
		return nil, err
	}
	if rec.Posted() {
		d.Message = &notify.MessageRef{Channel: *rec.ChannelRef, TS: *rec.MessageRef}
	}
	return s.Decide(ctx, d)
}

func (s *decisionService) Get(ctx context.Context, runID, itemID string) (*model.Approval, error) {
	return s.repo.Get(ctx, runID, itemID)
}

func (s *decisionService) ListRun(ctx context.Context, runID string) ([]*model.Approval, error) {
	return s.repo.ListByRun(ctx, runID)
}
