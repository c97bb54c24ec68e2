package nonce

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/monitor"
	"wallet-txengine/pkg/utils/lock"
)

// ClientSource 按链获取 RPC 客户端, *chain.Registry 满足
type ClientSource interface {
	Client(chainID uint64) (chain.Client, error)
}

// InFlightFunc 返回账户在该链上仍处于 submitted 状态的 nonce 集合
type InFlightFunc func(ctx context.Context, account common.Address, chainID uint64) (map[uint64]bool, error)

type entryState int

const (
	stateReserved entryState = iota + 1
	stateBroadcast
)

// ResyncResult 一次 resync 的结果
type ResyncResult struct {
	ChainNonce uint64   `json:"chainNonce"`
	Pruned     []uint64 `json:"pruned"`  // 已上链, 移除
	Dropped    []uint64 `json:"dropped"` // 已广播但不再在途, 移除
	Held       []uint64 `json:"held"`
}

// Tracker 按 (账户, 链) 分配 nonce.
// 链上数在加锁前读取, 加锁后只做本地计算, 不在锁内做网络请求.
type Tracker struct {
	clients   ClientSource
	snapshots store.NonceSnapshotStore
	inFlight  InFlightFunc
	metrics   *monitor.BusinessMetrics

	locks   lock.KeyedMutex
	states  sync.Map // key -> map[uint64]entryState
	tracked sync.Map // key -> AccountKey
}

// AccountKey 被跟踪的 (账户, 链)
type AccountKey struct {
	Account common.Address
	ChainID uint64
}

func NewTracker(clients ClientSource, snapshots store.NonceSnapshotStore, metrics *monitor.BusinessMetrics) *Tracker {
	return &Tracker{
		clients:   clients,
		snapshots: snapshots,
		metrics:   metrics,
	}
}

// SetInFlightFunc 由 controller 在启动时注入
func (t *Tracker) SetInFlightFunc(fn InFlightFunc) {
	t.inFlight = fn
}

func key(account common.Address, chainID uint64) string {
	return fmt.Sprintf("%s:%d", account.Hex(), chainID)
}

// held 必须在持有 key 锁时调用
func (t *Tracker) held(account common.Address, chainID uint64) map[uint64]entryState {
	k := key(account, chainID)
	t.tracked.LoadOrStore(k, AccountKey{Account: account, ChainID: chainID})
	v, _ := t.states.LoadOrStore(k, make(map[uint64]entryState))
	return v.(map[uint64]entryState)
}

// Reserve 分配下一个 nonce: max(链上数, 本地最大持有+1), 优先复用链上数之上被释放的空洞
func (t *Tracker) Reserve(ctx context.Context, account common.Address, chainID uint64) (uint64, error) {
	started := time.Now()
	defer t.metrics.ObserveNonceReserve(chainID, started)

	client, err := t.clients.Client(chainID)
	if err != nil {
		return 0, err
	}
	chainCount, err := client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("get pending nonce: %w", err)
	}

	k := key(account, chainID)
	unlock := t.locks.Lock(k)
	defer unlock()

	held := t.held(account, chainID)
	n := chainCount
	for {
		if _, taken := held[n]; !taken {
			break
		}
		n++
	}
	held[n] = stateReserved

	logger.Debug("nonce reserved",
		zap.String("account", account.Hex()),
		zap.Uint64("chain_id", chainID),
		zap.Uint64("nonce", n),
		zap.Uint64("chain_count", chainCount))
	return n, nil
}

// Release 释放未广播的 nonce. 已广播或从未分配的 nonce 返回 NonceStateError
func (t *Tracker) Release(account common.Address, chainID uint64, n uint64) error {
	k := key(account, chainID)
	unlock := t.locks.Lock(k)
	defer unlock()

	held := t.held(account, chainID)
	switch held[n] {
	case stateReserved:
		delete(held, n)
		return nil
	case stateBroadcast:
		return errno.ErrNonceState.WithMessage(fmt.Sprintf("nonce %d already broadcast", n))
	default:
		return errno.ErrNonceState.WithMessage(fmt.Sprintf("nonce %d is not reserved", n))
	}
}

// MarkBroadcast 标记 nonce 已广播, 之后不能再释放. 重复标记是幂等的
func (t *Tracker) MarkBroadcast(account common.Address, chainID uint64, n uint64) error {
	k := key(account, chainID)
	unlock := t.locks.Lock(k)
	defer unlock()

	held := t.held(account, chainID)
	switch held[n] {
	case stateReserved, stateBroadcast:
		held[n] = stateBroadcast
		return nil
	default:
		return errno.ErrNonceState.WithMessage(fmt.Sprintf("nonce %d is not reserved", n))
	}
}

// Track 启动时恢复已广播的 nonce
func (t *Tracker) Track(account common.Address, chainID uint64, n uint64) {
	k := key(account, chainID)
	unlock := t.locks.Lock(k)
	defer unlock()
	t.held(account, chainID)[n] = stateBroadcast
}

// Held 返回当前持有的 nonce, 升序
func (t *Tracker) Held(account common.Address, chainID uint64) []uint64 {
	k := key(account, chainID)
	unlock := t.locks.Lock(k)
	defer unlock()
	return sortedKeys(t.held(account, chainID))
}

// Resync 重新读取链上已确认数, 清理已上链和不再在途的 nonce, 并写入快照
func (t *Tracker) Resync(ctx context.Context, account common.Address, chainID uint64) (*ResyncResult, error) {
	client, err := t.clients.Client(chainID)
	if err != nil {
		return nil, err
	}
	mined, err := client.NonceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	var inFlight map[uint64]bool
	if t.inFlight != nil {
		inFlight, err = t.inFlight(ctx, account, chainID)
		if err != nil {
			return nil, fmt.Errorf("load in-flight nonces: %w", err)
		}
	}

	res := &ResyncResult{ChainNonce: mined}
	k := key(account, chainID)
	unlock := t.locks.Lock(k)
	held := t.held(account, chainID)
	for n, st := range held {
		if st != stateBroadcast {
			// 预留中的 nonce 由持有者释放
			continue
		}
		switch {
		case n < mined:
			delete(held, n)
			res.Pruned = append(res.Pruned, n)
		case inFlight != nil && !inFlight[n]:
			delete(held, n)
			res.Dropped = append(res.Dropped, n)
		}
	}
	res.Held = sortedKeys(held)
	unlock()

	sortUint64(res.Pruned)
	sortUint64(res.Dropped)

	if t.snapshots != nil {
		snap := store.NonceSnapshot{
			Account:    account,
			ChainID:    chainID,
			ChainNonce: mined,
			Held:       res.Held,
			SyncedAt:   time.Now(),
		}
		if len(res.Held) > 0 {
			high := res.Held[len(res.Held)-1]
			snap.HighestHeld = &high
		}
		if err := t.snapshots.SaveSnapshot(ctx, snap); err != nil {
			logger.Warn("保存 nonce 快照失败", zap.String("account", account.Hex()), zap.Error(err))
		}
	}

	logger.Info("nonce resynced",
		zap.String("account", account.Hex()),
		zap.Uint64("chain_id", chainID),
		zap.Uint64("chain_nonce", mined),
		zap.Uint64s("pruned", res.Pruned),
		zap.Uint64s("dropped", res.Dropped))
	return res, nil
}

// Accounts 返回所有被跟踪的 (账户, 链), 供定时任务巡检
func (t *Tracker) Accounts() []AccountKey {
	var out []AccountKey
	t.tracked.Range(func(_, v any) bool {
		out = append(out, v.(AccountKey))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Account.Cmp(out[j].Account) < 0
	})
	return out
}

func sortedKeys(m map[uint64]entryState) []uint64 {
	out := make([]uint64, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sortUint64(out)
	return out
}

func sortUint64(s []uint64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
