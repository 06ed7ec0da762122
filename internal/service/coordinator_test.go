package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/internal/notify"
)

func testApprovalConfig() config.ApprovalConfig {
	return config.ApprovalConfig{
		TimeoutSeconds:      1,
		PollIntervalSeconds: 0.1,
		PreviewChars:        400,
	}
}

func TestRequestApprovalAutoApproveSkipsStoreAndNotifier(t *testing.T) {
	repo := setupRepo(t)
	n := newFakeNotifier()
	cfg := testApprovalConfig()
	cfg.AutoApprove = true
	c := NewCoordinator(repo, n, cfg)

	out, err := c.RequestApproval(context.Background(), "r1", Item{ID: "newsletter", Title: "Newsletter", Body: "hi"})
	require.NoError(t, err)
	assert.True(t, out.Approved())
	assert.Equal(t, SourceAuto, out.Source)
	assert.Zero(t, n.postCount())

	list, err := repo.ListByRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRequestApprovalApprovedByReviewer(t *testing.T) {
	repo := setupRepo(t)
	n := newFakeNotifier()
	svc := NewDecisionService(repo, nil, nil)
	n.onPost = func(d notify.Draft, ref notify.MessageRef) {
		time.Sleep(150 * time.Millisecond)
		_, _ = svc.Decide(context.Background(), Decision{
			RunID: d.RunID, ItemID: d.ItemID, Status: model.StatusApproved,
			ApproverID: "U1", ApproverName: "ana", Message: &ref, Source: "slack",
		})
	}
	c := NewCoordinator(repo, n, testApprovalConfig())

	out, err := c.RequestApproval(context.Background(), "r1", Item{ID: "newsletter", Title: "Newsletter", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, out.Status)
	assert.Equal(t, "ana", out.ApproverName)
	assert.Equal(t, SourceChannel, out.Source)

	rec, err := repo.Get(context.Background(), "r1", "newsletter")
	require.NoError(t, err)
	require.True(t, rec.Posted())
	assert.Equal(t, "C1", *rec.ChannelRef)
	assert.Equal(t, "ts-newsletter", *rec.MessageRef)
}

func TestRequestApprovalRejectedIsNotAnError(t *testing.T) {
	repo := setupRepo(t)
	n := newFakeNotifier()
	svc := NewDecisionService(repo, nil, nil)
	n.onPost = func(d notify.Draft, _ notify.MessageRef) {
		_, _ = svc.Decide(context.Background(), Decision{
			RunID: d.RunID, ItemID: d.ItemID, Status: model.StatusRejected, ApproverName: "bo",
		})
	}
	c := NewCoordinator(repo, n, testApprovalConfig())

	out, err := c.RequestApproval(context.Background(), "r1", Item{ID: "blog", Title: "Blog", Body: "b"})
	require.NoError(t, err)
	assert.False(t, out.Approved())
	assert.Equal(t, model.StatusRejected, out.Status)
	assert.Equal(t, "bo", out.ApproverName)
}

func TestRequestApprovalTimeoutWithoutFallback(t *testing.T) {
	repo := setupRepo(t)
	c := NewCoordinator(repo, newFakeNotifier(), testApprovalConfig())

	start := time.Now()
	out, err := c.RequestApproval(context.Background(), "r1", Item{ID: "newsletter", Title: "Newsletter", Body: "x"})
	elapsed := time.Since(start)

	assert.Nil(t, out)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "r1", te.RunID)
	assert.Equal(t, "newsletter", te.ItemID)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1500*time.Millisecond)

	rec, err := repo.Get(context.Background(), "r1", "newsletter")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestRequestApprovalTimeoutFallsBackToPrompter(t *testing.T) {
	repo := setupRepo(t)
	cfg := testApprovalConfig()
	cfg.FallbackOnTimeout = true
	p := &scriptedPrompter{answer: true}
	c := NewCoordinator(repo, newFakeNotifier(), cfg, WithPrompter(p))

	out, err := c.RequestApproval(context.Background(), "r1", Item{ID: "newsletter", Title: "Newsletter", Body: "x"})
	require.NoError(t, err)
	assert.True(t, out.Approved())
	assert.Equal(t, SourceLocal, out.Source)
	assert.Equal(t, 1, p.count())
}

func TestRequestApprovalPostFailureStillWaits(t *testing.T) {
	repo := setupRepo(t)
	n := newFakeNotifier()
	n.postErr = errors.New("channel_not_found")
	c := NewCoordinator(repo, n, testApprovalConfig())

	_, err := c.RequestApproval(context.Background(), "r1", Item{ID: "newsletter", Title: "Newsletter", Body: "x"})
	var te *TimeoutError
	assert.True(t, errors.As(err, &te))

	rec, err := repo.Get(context.Background(), "r1", "newsletter")
	require.NoError(t, err)
	assert.False(t, rec.Posted())
}

func TestRequestApprovalLocalOnly(t *testing.T) {
	repo := setupRepo(t)
	p := &scriptedPrompter{answer: false}
	c := NewCoordinator(repo, nil, testApprovalConfig(), WithPrompter(p))

	out, err := c.RequestApproval(context.Background(), "r1", Item{ID: "blog", Title: "Blog", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, out.Status)
	assert.Equal(t, SourceLocal, out.Source)

	_, err = NewCoordinator(repo, nil, testApprovalConfig()).RequestApproval(context.Background(), "r1", Item{ID: "blog"})
	assert.ErrorIs(t, err, ErrNoReviewChannel)
}

func TestRequestApprovalPrompterError(t *testing.T) {
	repo := setupRepo(t)
	p := &scriptedPrompter{err: context.Canceled}
	c := NewCoordinator(repo, nil, testApprovalConfig(), WithPrompter(p))

	_, err := c.RequestApproval(context.Background(), "r1", Item{ID: "blog"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestApprovalWakesOnBus(t *testing.T) {
	repo := setupRepo(t)
	bus := newTestBus(t)
	n := newFakeNotifier()
	svc := NewDecisionService(repo, nil, bus)
	n.onPost = func(d notify.Draft, _ notify.MessageRef) {
		time.Sleep(100 * time.Millisecond)
		_, _ = svc.Decide(context.Background(), Decision{RunID: d.RunID, ItemID: d.ItemID, Status: model.StatusApproved, ApproverName: "ana"})
	}
	cfg := testApprovalConfig()
	cfg.TimeoutSeconds = 10
	cfg.PollIntervalSeconds = 5
	c := NewCoordinator(repo, n, cfg, WithDecisionBus(bus))

	start := time.Now()
	out, err := c.RequestApproval(context.Background(), "r1", Item{ID: "newsletter", Title: "Newsletter", Body: "x"})
	require.NoError(t, err)
	assert.True(t, out.Approved())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestApprovalContextCanceled(t *testing.T) {
	repo := setupRepo(t)
	cfg := testApprovalConfig()
	cfg.TimeoutSeconds = 10
	c := NewCoordinator(repo, newFakeNotifier(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.RequestApproval(ctx, "r1", Item{ID: "newsletter"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestAllKeepsInputOrder(t *testing.T) {
	repo := setupRepo(t)
	n := newFakeNotifier()
	svc := NewDecisionService(repo, nil, nil)
	n.onPost = func(d notify.Draft, _ notify.MessageRef) {
		status := model.StatusApproved
		if d.ItemID == "blog" {
			status = model.StatusRejected
		}
		_, _ = svc.Decide(context.Background(), Decision{RunID: d.RunID, ItemID: d.ItemID, Status: status, ApproverName: "ana"})
	}
	c := NewCoordinator(repo, n, testApprovalConfig())

	outs, err := c.RequestAll(context.Background(), "r1", []Item{
		{ID: "newsletter", Title: "Newsletter", Body: "a"},
		{ID: "blog", Title: "Blog", Body: "b"},
	})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "newsletter", outs[0].ItemID)
	assert.True(t, outs[0].Approved())
	assert.Equal(t, "blog", outs[1].ItemID)
	assert.False(t, outs[1].Approved())
}

func TestNewRunIDUnique(t *testing.T) {
	assert.NotEqual(t, NewRunID(), NewRunID())
}
