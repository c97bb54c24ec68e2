package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wallet-txengine/internal/service/nonce"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/monitor"
	"wallet-txengine/pkg/utils/lock"
	"wallet-txengine/pkg/wallet/types"
)

// NonceSweeper nonce.Tracker 满足
type NonceSweeper interface {
	Accounts() []nonce.AccountKey
	Resync(ctx context.Context, account common.Address, chainID uint64) (*nonce.ResyncResult, error)
}

// OutboxPurger OutboxRelay 满足
type OutboxPurger interface {
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
}

// HousekeepingDeps 定时任务依赖. Outbox 为 nil 时跳过清理
type HousekeepingDeps struct {
	Nonces   NonceSweeper
	Store    store.TxStore
	Outbox   OutboxPurger
	ChainIDs func() []uint64
	Locker   lock.DistributedLock
	Metrics  *monitor.BusinessMetrics
}

const (
	lockNonceSweep  = "cron:lock:nonce_sweep"
	lockOutboxPurge = "cron:lock:outbox_purge"
	lockStuckGauge  = "cron:lock:stuck_gauge"

	outboxRetention = 24 * time.Hour
)

type CronService struct {
	cron    *cron.Cron
	spec    string
	lockTTL time.Duration
	deps    HousekeepingDeps
}

// NewCronService spec 为 robfig/cron 表达式, 例如 "@every 1m"
func NewCronService(deps HousekeepingDeps, spec string, lockTTL time.Duration) *CronService {
	if spec == "" {
		spec = "@every 1m"
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLock()
	}
	return &CronService{
		cron:    cron.New(),
		spec:    spec,
		lockTTL: lockTTL,
		deps:    deps,
	}
}

func (s *CronService) Start() error {
	// 注册任务
	jobs := []struct {
		name string
		fn   func()
	}{
		{"nonce_sweep", func() { s.withLock(lockNonceSweep, s.SweepNonces) }},
		{"outbox_purge", func() { s.withLock(lockOutboxPurge, s.PurgeOutbox) }},
		{"stuck_gauge", func() { s.withLock(lockStuckGauge, s.ReportStuck) }},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(s.spec, j.fn); err != nil {
			return err
		}
	}

	s.cron.Start()
	logger.Info("Cron Service started", zap.String("spec", s.spec))
	return nil
}

// Stop 等待正在执行的任务结束
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Cron Service stopped")
}

// withLock 多实例部署时只有拿到锁的节点执行
func (s *CronService) withLock(key string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
	defer cancel()

	locked, err := s.deps.Locker.Acquire(ctx, key, s.lockTTL)
	if err != nil || !locked {
		logger.Debug("housekeeping skipped, lock held elsewhere", zap.String("key", key), zap.Error(err))
		return
	}
	defer func() {
		if err := s.deps.Locker.Release(context.Background(), key); err != nil {
			logger.Warn("release cron lock failed", zap.String("key", key), zap.Error(err))
		}
	}()
	fn(ctx)
}

// SweepNonces 对所有被跟踪的账户做一次 resync, 清理已上链或不再在途的 nonce
func (s *CronService) SweepNonces(ctx context.Context) {
	accounts := s.deps.Nonces.Accounts()
	failed := 0
	for _, a := range accounts {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.deps.Nonces.Resync(ctx, a.Account, a.ChainID); err != nil {
			failed++
			logger.Warn("nonce sweep failed",
				zap.String("account", a.Account.Hex()),
				zap.Uint64("chain_id", a.ChainID),
				zap.Error(err))
		}
	}
	logger.Debug("nonce sweep finished", zap.Int("accounts", len(accounts)), zap.Int("failed", failed))
}

// PurgeOutbox 删除超过保留期的已投递消息
func (s *CronService) PurgeOutbox(ctx context.Context) {
	if s.deps.Outbox == nil {
		return
	}
	n, err := s.deps.Outbox.PurgeSent(ctx, time.Now().Add(-outboxRetention))
	if err != nil {
		logger.Error("outbox purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("outbox purged", zap.Int64("rows", n))
	}
}

// ReportStuck 统计各链被标记为 stuck 的交易数
func (s *CronService) ReportStuck(ctx context.Context) {
	for _, chainID := range s.deps.ChainIDs() {
		metas, err := s.deps.Store.List(ctx, store.Filter{
			ChainID:  chainID,
			Statuses: []types.TxStatus{types.StatusSubmitted},
		})
		if err != nil {
			logger.Warn("stuck gauge query failed", zap.Uint64("chain_id", chainID), zap.Error(err))
			continue
		}
		n := 0
		for _, m := range metas {
			if m.Stuck {
				n++
			}
		}
		s.deps.Metrics.SetStuck(chainID, n)
		if n > 0 {
			logger.Warn("stuck transactions", zap.Uint64("chain_id", chainID), zap.Int("count", n))
		}
	}
}
