package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/pkg/logger"
)

var ErrLeadNotApproved = errors.New("lead item not approved")

// ContentFunc 外部内容生成，prompt 描述要写什么，material 为参考素材
type ContentFunc func(ctx context.Context, prompt, material string) (string, error)

// DraftRequest 一个待生成的条目
type DraftRequest struct {
	ID     string
	Title  string
	Prompt string
}

// BuildItems 逐条生成草稿
func BuildItems(ctx context.Context, gen ContentFunc, reqs []DraftRequest, material string) ([]Item, error) {
	items := make([]Item, 0, len(reqs))
	for _, r := range reqs {
		body, err := gen(ctx, r.Prompt, material)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", r.ID, err)
		}
		items = append(items, Item{ID: r.ID, Title: r.Title, Body: body})
	}
	return items, nil
}

// Exporter 审批通过后的下游副作用（写文件、发邮件等）
type Exporter interface {
	Export(ctx context.Context, itemID, text string) error
}

// FileExporter 将内容写入 <Dir>/<item>.md
type FileExporter struct {
	Dir string
}

func (e FileExporter) Export(_ context.Context, itemID, text string) error {
	if strings.ContainsAny(itemID, `/\`) || itemID == "" || itemID == "." || itemID == ".." {
		return fmt.Errorf("invalid item id %q", itemID)
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(e.Dir, itemID+".md")
	return os.WriteFile(path, []byte(strings.TrimSpace(text)+"\n"), 0o644)
}

// Publisher 只有审批通过的条目才交给 Exporter
type Publisher struct {
	coordinator *Coordinator
	exporter    Exporter
	parallel    bool
}

type PublisherOption func(*Publisher)

// WithParallelReview 所有条目同时发起审批，而不是逐条等待
func WithParallelReview() PublisherOption {
	return func(p *Publisher) { p.parallel = true }
}

func NewPublisher(coordinator *Coordinator, exporter Exporter, opts ...PublisherOption) *Publisher {
	p := &Publisher{coordinator: coordinator, exporter: exporter}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish 审批并导出；返回已得到结果的条目
func (p *Publisher) Publish(ctx context.Context, runID string, items []Item) ([]*Outcome, error) {
	if p.parallel {
		return p.publishAll(ctx, runID, items)
	}
	outcomes := make([]*Outcome, 0, len(items))
	for _, item := range items {
		out, err := p.coordinator.RequestApproval(ctx, runID, item)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
		if err := p.export(ctx, item, out); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// PublishGated 先审批 lead（发布简报），通过后导出它并以其正文为素材生成其余条目。
// lead 未通过时返回 ErrLeadNotApproved，不生成也不导出任何条目。
func (p *Publisher) PublishGated(ctx context.Context, runID string, lead Item, gen ContentFunc, reqs []DraftRequest) ([]*Outcome, error) {
	out, err := p.coordinator.RequestApproval(ctx, runID, lead)
	if err != nil {
		return nil, err
	}
	outcomes := []*Outcome{out}
	if !out.Approved() {
		logger.Info("lead item not approved, stopping run",
			zap.String("run_id", runID),
			zap.String("item_id", lead.ID),
			zap.String("approver", out.ApproverName))
		return outcomes, ErrLeadNotApproved
	}
	if err := p.export(ctx, lead, out); err != nil {
		return outcomes, err
	}

	items, err := BuildItems(ctx, gen, reqs, lead.Body)
	if err != nil {
		return outcomes, err
	}
	rest, err := p.Publish(ctx, runID, items)
	return append(outcomes, rest...), err
}

func (p *Publisher) publishAll(ctx context.Context, runID string, items []Item) ([]*Outcome, error) {
	outcomes, err := p.coordinator.RequestAll(ctx, runID, items)
	done := make([]*Outcome, 0, len(outcomes))
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for i, out := range outcomes {
		if out == nil {
			continue
		}
		done = append(done, out)
		if err := p.export(ctx, items[i], out); err != nil {
			errs = append(errs, err)
		}
	}
	return done, errors.Join(errs...)
}

func (p *Publisher) export(ctx context.Context, item Item, out *Outcome) error {
	if !out.Approved() {
		logger.Info("draft not approved, skipping export",
			zap.String("item_id", item.ID),
			zap.String("approver", out.ApproverName))
		return nil
	}
	if err := p.exporter.Export(ctx, item.ID, item.Body); err != nil {
		return fmt.Errorf("failed to export %s: %w", item.ID, err)
	}
	logger.Info("draft exported", zap.String("item_id", item.ID), zap.String("source", string(out.Source)))
	return nil
}
