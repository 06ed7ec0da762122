package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/notify"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/internal/service"
	"github.com/d60-Lab/approval-gate/pkg/cache"
	"github.com/d60-Lab/approval-gate/pkg/database"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/tracing"
)

const briefItemID = "launch_brief"

type options struct {
	configPath  string
	draftsDir   string
	assetsDir   string
	briefPath   string
	autoApprove bool
	fallback    bool
	local       bool
	parallel    bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "config file (default ./config/config.yaml)")
	flag.StringVar(&o.draftsDir, "drafts", "drafts", "directory of <item>.md drafts to review")
	flag.StringVar(&o.assetsDir, "assets-dir", "assets", "where approved drafts are written")
	flag.StringVar(&o.briefPath, "brief", "", "launch brief that must be approved before any draft is reviewed")
	flag.BoolVar(&o.autoApprove, "auto-approve", false, "skip review and approve everything")
	flag.BoolVar(&o.fallback, "fallback", false, "prompt locally when the reviewer does not answer in time")
	flag.BoolVar(&o.local, "local", false, "review in this terminal only, never post to slack")
	flag.BoolVar(&o.parallel, "parallel", false, "request all draft approvals at once")
	flag.Parse()

	os.Exit(run(o))
}

// run 返回进程退出码；所有资源在返回前释放
func run(o options) int {
	cfg, err := config.LoadFrom(o.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logger.Sync()
	if o.autoApprove {
		cfg.Approval.AutoApprove = true
	}
	if o.fallback {
		cfg.Approval.FallbackOnTimeout = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("failed to init tracing", zap.Error(err))
		return 1
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reqs, err := loadDraftRequests(o.draftsDir)
	if err != nil {
		logger.Error("failed to read drafts", zap.String("dir", o.draftsDir), zap.Error(err))
		return 1
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Error("failed to connect database", zap.Error(err))
		return 1
	}
	repo := repository.NewApprovalRepository(db)
	defer repo.Close()
	if err := repo.InitSchema(); err != nil {
		logger.Error("failed to migrate schema", zap.Error(err))
		return 1
	}

	opts := []service.CoordinatorOption{service.WithPrompter(service.NewLocalPrompter(os.Stdin, os.Stdout))}
	rdb, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, polling only", zap.Error(err))
	} else if rdb != nil {
		defer rdb.Close()
		opts = append(opts, service.WithDecisionBus(service.NewRedisDecisionBus(rdb)))
	}

	var notifier notify.Notifier
	if !o.local {
		if err := cfg.RequireNotifier(); err != nil {
			logger.Warn("slack not configured, reviewing locally", zap.Error(err))
		} else {
			n, err := notify.NewSlackNotifier(cfg.Slack)
			if err != nil {
				logger.Error("failed to create notifier", zap.Error(err))
				return 1
			}
			notifier = n
		}
	}

	runID := service.NewRunID()
	coordinator := service.NewCoordinator(repo, notifier, cfg.Approval, opts...)
	var pubOpts []service.PublisherOption
	if o.parallel {
		pubOpts = append(pubOpts, service.WithParallelReview())
	}
	publisher := service.NewPublisher(coordinator, service.FileExporter{Dir: o.assetsDir}, pubOpts...)
	logger.Info("pipeline started", zap.String("run_id", runID), zap.Int("drafts", len(reqs)))

	if o.briefPath != "" {
		brief, err := os.ReadFile(o.briefPath)
		if err != nil {
			logger.Error("failed to read launch brief", zap.String("path", o.briefPath), zap.Error(err))
			return 1
		}
		if strings.TrimSpace(string(brief)) == "" {
			logger.Error("launch brief is empty", zap.String("path", o.briefPath))
			return 1
		}
		lead := service.Item{ID: briefItemID, Title: "Launch brief", Body: string(brief)}
		_, err = publisher.PublishGated(ctx, runID, lead, readDraft, reqs)
		return exitCode(runID, err)
	}

	items, err := service.BuildItems(ctx, readDraft, reqs, "")
	if err != nil {
		logger.Error("failed to build drafts", zap.Error(err))
		return 1
	}
	_, err = publisher.Publish(ctx, runID, items)
	return exitCode(runID, err)
}

func exitCode(runID string, err error) int {
	var te *service.TimeoutError
	switch {
	case err == nil:
		logger.Info("pipeline finished", zap.String("run_id", runID))
		return 0
	case errors.Is(err, service.ErrLeadNotApproved):
		logger.Info("launch brief not approved, no drafts saved", zap.String("run_id", runID))
		return 0
	case errors.As(err, &te):
		logger.Error("approval timed out",
			zap.String("run_id", te.RunID),
			zap.String("item_id", te.ItemID),
			zap.Duration("timeout", te.Timeout))
		return 1
	}
	logger.Error("pipeline failed", zap.String("run_id", runID), zap.Error(err))
	return 1
}

// loadDraftRequests 每个 .md 文件一个条目，文件名即 item id
func loadDraftRequests(dir string) ([]service.DraftRequest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var reqs []service.DraftRequest
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		if id == "" || id == briefItemID {
			continue
		}
		reqs = append(reqs, service.DraftRequest{
			ID:     id,
			Title:  strings.ToUpper(id[:1]) + id[1:],
			Prompt: filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	return reqs, nil
}

// readDraft 草稿已写好，素材不参与
func readDraft(_ context.Context, path, _ string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
