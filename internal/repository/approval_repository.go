package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/approval-gate/internal/model"
)

var (
	ErrNotFound      = errors.New("approval not found")
	ErrInvalidStatus = errors.New("invalid approval status")
	ErrStorageIO     = errors.New("approval storage unavailable")
)

// DefaultPollInterval pollInterval 非法时使用
const DefaultPollInterval = 5 * time.Second

// UpsertParams 登记待审内容；ChannelRef/MessageRef 为 nil 时保留已有值
type UpsertParams struct {
	RunID      string
	ItemID     string
	Title      string
	Body       string
	Status     model.Status
	ChannelRef *string
	MessageRef *string
}

// Approver 审批人信息，空字段写为 NULL
type Approver struct {
	ID     string
	Name   string
	Reason string
}

// ApprovalRepository 审批状态存储
type ApprovalRepository interface {
	// Upsert 创建或合并记录
	Upsert(ctx context.Context, p UpsertParams) error

	// AttachChannelRefs 记录渠道消息引用，记录不存在时返回 ErrNotFound
	AttachChannelRefs(ctx context.Context, runID, itemID, messageRef, channelRef string) error

	// UpdateStatus 写入状态与审批人，三者同时更新
	UpdateStatus(ctx context.Context, runID, itemID string, status model.Status, approver Approver) error

	// Get 查询单条记录
	Get(ctx context.Context, runID, itemID string) (*model.Approval, error)

	// ListByRun 查询一次运行下的全部记录
	ListByRun(ctx context.Context, runID string) ([]*model.Approval, error)

	// WaitForTerminal 阻塞直到记录进入终态或超时
	WaitForTerminal(ctx context.Context, runID, itemID string, timeout, pollInterval time.Duration, opts ...WaitOption) (*model.Approval, error)
}

// GormApprovalRepository 基于 gorm 的实现，sqlite 与 postgres 通用
type GormApprovalRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewApprovalRepository 创建审批仓储
func NewApprovalRepository(db *gorm.DB) *GormApprovalRepository {
	return &GormApprovalRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// InitSchema 初始化表结构
func (r *GormApprovalRepository) InitSchema() error {
	if err := r.db.AutoMigrate(&model.Approval{}); err != nil {
		return fmt.Errorf("failed to migrate approvals table: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (r *GormApprovalRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *GormApprovalRepository) Upsert(ctx context.Context, p UpsertParams) error {
	if p.Status == "" {
		p.Status = model.StatusPending
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}
	rec := &model.Approval{
		RunID:      p.RunID,
		ItemID:     p.ItemID,
		Title:      p.Title,
		Body:       p.Body,
		Status:     p.Status,
		ChannelRef: p.ChannelRef,
		MessageRef: p.MessageRef,
		UpdatedAt:  r.now(),
	}
	// 内容后写者胜；渠道引用仅在新值非空时覆盖；新一轮审核清空上一轮的审批人
	set := clause.AssignmentColumns([]string{"title", "body", "status", "approver_id", "approver_name", "reason", "updated_at"})
	set = append(set,
		clause.Assignment{Column: clause.Column{Name: "channel_ref"}, Value: gorm.Expr("COALESCE(excluded.channel_ref, approvals.channel_ref)")},
		clause.Assignment{Column: clause.Column{Name: "message_ref"}, Value: gorm.Expr("COALESCE(excluded.message_ref, approvals.message_ref)")},
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "item_id"}},
			DoUpdates: set,
		}).Create(rec).Error
	})
	return storageErr(err)
}

func (r *GormApprovalRepository) AttachChannelRefs(ctx context.Context, runID, itemID, messageRef, channelRef string) error {
	return r.update(ctx, runID, itemID, map[string]interface{}{
		"message_ref": messageRef,
		"channel_ref": channelRef,
		"updated_at":  r.now(),
	})
}

func (r *GormApprovalRepository) UpdateStatus(ctx context.Context, runID, itemID string, status model.Status, approver Approver) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.update(ctx, runID, itemID, map[string]interface{}{
		"status":        status,
		"approver_id":   nullable(approver.ID),
		"approver_name": nullable(approver.Name),
		"reason":        nullable(approver.Reason),
		"updated_at":    r.now(),
	})
}

// update 单事务内的整行更新，未命中记录返回 ErrNotFound 且不创建
func (r *GormApprovalRepository) update(ctx context.Context, runID, itemID string, fields map[string]interface{}) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Approval{}).
			Where("run_id = ? AND item_id = ?", runID, itemID).
			Updates(fields)
		if res.Error != nil {
			return storageErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStorageIO) {
		return storageErr(err)
	}
	return err
}

func (r *GormApprovalRepository) Get(ctx context.Context, runID, itemID string) (*model.Approval, error) {
	var rec model.Approval
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND item_id = ?", runID, itemID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &rec, nil
}

func (r *GormApprovalRepository) ListByRun(ctx context.Context, runID string) ([]*model.Approval, error) {
	var res []*model.Approval
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("item_id").
		Find(&res).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return res, nil
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageIO, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
