package observer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wallet-txengine/pkg/logger"
)

const defaultPollInterval = 5 * time.Second

// HeadWatcher 实现 ChainObserver 接口
// 1. Ticker (生产者): 每条链一个, 按链的出块间隔产生对账任务
// 2. Worker Pool (消费者): 多个 worker 并行执行 Poll
// 同一条链的任务在执行完之前不会重复入队.
type HeadWatcher struct {
	poller      Poller
	targets     []Target
	workerCount int

	jobs chan uint64
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[uint64]bool
	heights  map[uint64]uint64
}

func NewHeadWatcher(poller Poller, targets []Target, workerCount int) *HeadWatcher {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &HeadWatcher{
		poller:      poller,
		targets:     targets,
		workerCount: workerCount,
		// 每条链最多一个排队任务
		jobs:     make(chan uint64, len(targets)),
		inflight: make(map[uint64]bool),
		heights:  make(map[uint64]uint64),
	}
}

// Start 启动 workers 和每条链的 ticker
func (w *HeadWatcher) Start(ctx context.Context) error {
	logger.Info("Head watcher started", zap.Int("chains", len(w.targets)), zap.Int("workers", w.workerCount))

	var tickers sync.WaitGroup
	for _, t := range w.targets {
		tickers.Add(1)
		go w.ticker(ctx, &tickers, t)
	}

	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.worker(ctx, i)
	}

	// 所有 ticker 退出后关闭队列, 通知 workers 退出
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		tickers.Wait()
		close(w.jobs)
	}()
	return nil
}

func (w *HeadWatcher) Stop() error {
	w.wg.Wait()
	return nil
}

func (w *HeadWatcher) Height(chainID uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heights[chainID]
}

func (w *HeadWatcher) ticker(ctx context.Context, wg *sync.WaitGroup, t Target) {
	defer wg.Done()
	interval := t.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()

	w.schedule(ctx, t.ChainID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			w.schedule(ctx, t.ChainID)
		}
	}
}

// schedule 上一轮还没结束时跳过本次
func (w *HeadWatcher) schedule(ctx context.Context, chainID uint64) {
	w.mu.Lock()
	if w.inflight[chainID] {
		w.mu.Unlock()
		return
	}
	w.inflight[chainID] = true
	w.mu.Unlock()

	select {
	case w.jobs <- chainID:
	case <-ctx.Done():
		w.done(chainID)
	}
}

func (w *HeadWatcher) done(chainID uint64) {
	w.mu.Lock()
	delete(w.inflight, chainID)
	w.mu.Unlock()
}

func (w *HeadWatcher) worker(ctx context.Context, id int) {
	defer w.wg.Done()
	for chainID := range w.jobs {
		if ctx.Err() == nil {
			w.poll(ctx, id, chainID)
		}
		w.done(chainID)
	}
}

func (w *HeadWatcher) poll(ctx context.Context, worker int, chainID uint64) {
	res, err := w.poller.Poll(ctx, chainID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("poll failed", zap.Int("worker", worker), zap.Uint64("chain_id", chainID), zap.Error(err))
		}
		return
	}
	w.mu.Lock()
	if res.Head > w.heights[chainID] {
		w.heights[chainID] = res.Head
	}
	w.mu.Unlock()
	logger.Debug("poll finished",
		zap.Int("worker", worker),
		zap.Uint64("chain_id", chainID),
		zap.Uint64("head", res.Head),
		zap.Int("checked", res.Checked))
}
