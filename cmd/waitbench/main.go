package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/internal/service"
	"github.com/d60-Lab/approval-gate/pkg/cache"
	"github.com/d60-Lab/approval-gate/pkg/database"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// 测量“决定写入”到“等待方返回”的延迟：纯轮询 vs redis 唤醒
func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	repo := repository.NewApprovalRepository(db)
	if err := repo.InitSchema(); err != nil {
		panic(err)
	}
	ctx := context.Background()

	N := envInt("N", 200)
	CONC := envInt("CONC", 16)
	POLL := time.Duration(envInt("POLL_MS", 500)) * time.Millisecond

	var bus service.DecisionBus
	if rdb := must(cache.NewRedis(ctx, cfg.Redis)); rdb != nil {
		defer rdb.Close()
		bus = service.NewRedisDecisionBus(rdb)
	}
	svc := service.NewDecisionService(repo, nil, bus)

	runID := uuid.NewString()
	for i := 0; i < N; i++ {
		err := repo.Upsert(ctx, repository.UpsertParams{
			RunID: runID, ItemID: fmt.Sprintf("item-%d", i), Title: "bench", Body: "bench",
		})
		if err != nil {
			panic(err)
		}
	}

	lat := make([]time.Duration, N)
	decidedAt := make([]time.Time, N)
	var mu sync.Mutex

	feed := make(chan int, N)
	for i := 0; i < N; i++ {
		feed <- i
	}
	close(feed)

	workers := CONC
	if workers > N {
		workers = N
	}
	t0 := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range feed {
				itemID := fmt.Sprintf("item-%d", i)
				var opts []repository.WaitOption
				unsubscribe := func() {}
				if bus != nil {
					if wake, unsub, err := bus.Subscribe(ctx, runID, itemID); err == nil {
						opts = append(opts, repository.WithWakeup(wake))
						unsubscribe = unsub
					}
				}
				go func(i int) {
					time.Sleep(50 * time.Millisecond)
					mu.Lock()
					decidedAt[i] = time.Now()
					mu.Unlock()
					_, _ = svc.Decide(ctx, service.Decision{
						RunID: runID, ItemID: itemID, Status: model.StatusApproved, ApproverName: "bench", Source: "bench",
					})
				}(i)
				rec, err := repo.WaitForTerminal(ctx, runID, itemID, 30*time.Second, POLL, opts...)
				unsubscribe()
				if err != nil || rec.Status != model.StatusApproved {
					continue
				}
				mu.Lock()
				lat[i] = time.Since(decidedAt[i])
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(t0)

	pct := func(vs []time.Duration, p float64) time.Duration {
		if len(vs) == 0 {
			return 0
		}
		xs := append([]time.Duration(nil), vs...)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		k := int(math.Ceil(p*float64(len(xs)))) - 1
		if k < 0 {
			k = 0
		}
		if k >= len(xs) {
			k = len(xs) - 1
		}
		return xs[k]
	}

	fmt.Printf("N=%d, CONC=%d, POLL=%v, bus=%v\n", N, CONC, POLL, bus != nil)
	fmt.Printf("Total: %v\n", total)
	fmt.Printf("Decision->wake latency p50: %v, p95: %v, p99: %v\n", pct(lat, 0.50), pct(lat, 0.95), pct(lat, 0.99))
}
