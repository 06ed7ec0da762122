package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/internal/notify"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/pkg/database"
)

func setupRepo(t *testing.T) *repository.GormApprovalRepository {
	t.Helper()
	dsn, err := database.SQLiteDSN(filepath.Join(t.TempDir(), "approvals.db"), 5000)
	require.NoError(t, err)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := repository.NewApprovalRepository(db)
	require.NoError(t, repo.InitSchema())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

type messageUpdate struct {
	Ref      notify.MessageRef
	Status   model.Status
	Approver string
}

// fakeNotifier 记录发送与编辑；onPost 模拟审核人在渠道上的操作
type fakeNotifier struct {
	mu      sync.Mutex
	posts   []notify.Draft
	updates []messageUpdate
	postErr error
	onPost  func(d notify.Draft, ref notify.MessageRef)
	updated chan messageUpdate
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{updated: make(chan messageUpdate, 16)}
}

func (f *fakeNotifier) PostDraft(_ context.Context, d notify.Draft, _ int) (notify.MessageRef, error) {
	f.mu.Lock()
	f.posts = append(f.posts, d)
	err, hook := f.postErr, f.onPost
	f.mu.Unlock()
	if err != nil {
		return notify.MessageRef{}, err
	}
	ref := notify.MessageRef{Channel: "C1", TS: fmt.Sprintf("ts-%s", d.ItemID)}
	if hook != nil {
		go hook(d, ref)
	}
	return ref, nil
}

func (f *fakeNotifier) UpdateMessage(_ context.Context, ref notify.MessageRef, status model.Status, approver string) {
	u := messageUpdate{Ref: ref, Status: status, Approver: approver}
	f.mu.Lock()
	f.updates = append(f.updates, u)
	f.mu.Unlock()
	select {
	case f.updated <- u:
	default:
	}
}

func (f *fakeNotifier) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

// scriptedPrompter 返回预设答案
type scriptedPrompter struct {
	mu      sync.Mutex
	answer  bool
	err     error
	prompts []string
}

func (p *scriptedPrompter) Confirm(_ context.Context, label, _ string, _ int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, label)
	return p.answer, p.err
}

func (p *scriptedPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}
