package controller

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/service/relay"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// PollResult 一轮对账的结果
type PollResult struct {
	ChainID     uint64 `json:"chainId"`
	Head        uint64 `json:"head"`
	Checked     int    `json:"checked"`
	Confirmed   int    `json:"confirmed"`
	Failed      int    `json:"failed"`
	Dropped     int    `json:"dropped"`
	Stuck       int    `json:"stuck"`
	RelayPolled int    `json:"relayPolled"`
}

// relayTask 单笔中继交易的轮询计划, 指数退避
type relayTask struct {
	mu      sync.Mutex
	started time.Time
	next    time.Time
	attempt int
}

// dropState 链上 nonce 已越过但没有 receipt 的观察记录
type dropState struct {
	count    int
	lastHead uint64
}

func (c *Controller) armRelayTask(id string, started time.Time) {
	if started.IsZero() {
		started = c.now()
	}
	c.relayTasks.Store(id, &relayTask{started: started, next: c.now()})
}

func (c *Controller) cancelRelayTask(id string) {
	c.relayTasks.Delete(id)
}

// backoff 第 attempt 次之后的等待时间: base * 2^attempt, 不超过 max
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.opts.Relay.BackoffBase
	for i := 0; i < attempt && d < c.opts.Relay.BackoffMax; i++ {
		d *= 2
	}
	if d > c.opts.Relay.BackoffMax {
		d = c.opts.Relay.BackoffMax
	}
	return d
}

type receiptResult struct {
	meta    *types.TransactionMeta
	receipt *gethtypes.Receipt
}

// Poll 对一条链上所有 submitted 交易对账. 重复调用是幂等的, 不会重新广播.
func (c *Controller) Poll(ctx context.Context, chainID uint64) (*PollResult, error) {
	started := time.Now()
	defer c.metrics.ObservePoll(chainID, started)

	unlock := c.pollLocks.Lock(strconv.FormatUint(chainID, 10))
	defer unlock()

	client, err := c.chains.Client(chainID)
	if err != nil {
		return nil, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_blockNumber: %w", err)
	}
	res := &PollResult{ChainID: chainID, Head: head}

	// 1. 到期的中继任务
	if err := c.pollRelayTasks(ctx, chainID, res); err != nil {
		return nil, err
	}

	// 2. 并发查询 receipt
	pending, err := c.store.List(ctx, store.Filter{ChainID: chainID, Statuses: []types.TxStatus{types.StatusSubmitted}})
	if err != nil {
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	res.Checked = len(pending)

	results := make([]receiptResult, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Poll.Workers)
	for i, m := range pending {
		results[i].meta = m
		if m.Hash == nil {
			continue
		}
		i, hash := i, *m.Hash
		g.Go(func() error {
			r, err := client.TransactionReceipt(gctx, hash)
			if err != nil {
				if !chain.IsNotFound(err) {
					logger.Warn("eth_getTransactionReceipt failed", zap.String("hash", hash.Hex()), zap.Error(err))
				}
				return nil
			}
			results[i].receipt = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 3. 逐笔处理
	touched := make(map[common.Address]bool)
	counts := make(map[common.Address]uint64)
	for _, r := range results {
		if r.receipt != nil {
			if err := c.applyReceipt(ctx, r.meta, r.receipt, res); err != nil {
				logger.Error("apply receipt failed", zap.String("tx_id", r.meta.ID), zap.Error(err))
				continue
			}
			touched[r.meta.Params.From] = true
			continue
		}

		// 本轮前面的处理可能已经改变了它的状态
		if cur, err := c.store.Get(ctx, r.meta.ID); err != nil || cur.Status != types.StatusSubmitted {
			continue
		}
		from := r.meta.Params.From
		count, ok := counts[from]
		if !ok {
			count, err = client.NonceAt(ctx, from, nil)
			if err != nil {
				logger.Warn("eth_getTransactionCount failed", zap.String("account", from.Hex()), zap.Error(err))
				continue
			}
			counts[from] = count
		}
		dropped, err := c.checkDropped(ctx, client, r.meta, count, head, res)
		if err != nil {
			logger.Error("dropped check failed", zap.String("tx_id", r.meta.ID), zap.Error(err))
			continue
		}
		if dropped {
			touched[from] = true
			continue
		}
		c.checkStuck(ctx, r.meta, head)
	}

	for account := range touched {
		c.resync(ctx, account, chainID)
	}

	stuck, err := c.store.List(ctx, store.Filter{ChainID: chainID, Statuses: []types.TxStatus{types.StatusSubmitted}})
	if err == nil {
		for _, m := range stuck {
			if m.Stuck {
				res.Stuck++
			}
		}
		c.metrics.SetStuck(chainID, res.Stuck)
	}

	if res.Confirmed+res.Failed+res.Dropped > 0 {
		logger.Info("poll round finished",
			zap.Uint64("chain_id", chainID),
			zap.Uint64("head", head),
			zap.Int("checked", res.Checked),
			zap.Int("confirmed", res.Confirmed),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped))
	}
	return res, nil
}

// applyReceipt status 1 -> confirmed 并把同 nonce 的其他交易标记为 dropped; status 0 -> failed.
// m 也可以是被替换后 dropped 的原交易, 谁上链谁就是最终结果
func (c *Controller) applyReceipt(ctx context.Context, m *types.TransactionMeta, r *gethtypes.Receipt, res *PollResult) error {
	gasUsed := r.GasUsed
	var block uint64
	if r.BlockNumber != nil {
		block = r.BlockNumber.Uint64()
	}

	meta, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
		if !cur.AwaitsReceipt() {
			return expect(cur, types.StatusSubmitted)
		}
		if cur.Status == types.StatusDropped {
			// 原交易赢得了这个 nonce, 替换交易随后被标记为 dropped
			cur.ReplacedBy = ""
		}
		cur.GasUsed = &gasUsed
		cur.BlockNumber = &block
		cur.Stuck = false
		if r.Status == gethtypes.ReceiptStatusSuccessful {
			cur.Status = types.StatusConfirmed
			cur.Error = nil
		} else {
			cur.Status = types.StatusFailed
			cur.Error = txError(errno.ErrTxReverted.WithMessage(fmt.Sprintf("reverted in block %d", block)))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if meta.Status == types.StatusFailed {
		res.Failed++
	} else {
		res.Confirmed++
	}

	// nonce 已被这笔交易使用, 同 nonce 的其他在途交易不可能再上链
	n, _ := meta.Nonce()
	siblings, err := c.store.List(ctx, store.Filter{
		ChainID:  meta.ChainID,
		From:     &meta.Params.From,
		Nonce:    &n,
		Statuses: []types.TxStatus{types.StatusSubmitted},
	})
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.ID == meta.ID {
			continue
		}
		if c.markDropped(ctx, s.ID, meta.ID) {
			res.Dropped++
		}
	}
	return nil
}

func (c *Controller) markDropped(ctx context.Context, id, replacedBy string) bool {
	_, err := c.apply(ctx, id, func(cur *types.TransactionMeta) error {
		if err := expect(cur, types.StatusSubmitted); err != nil {
			return err
		}
		cur.Status = types.StatusDropped
		cur.ReplacedBy = replacedBy
		return nil
	})
	if err != nil {
		logger.Warn("mark dropped failed", zap.String("tx_id", id), zap.Error(err))
		return false
	}
	return true
}

// checkDropped 网络 nonce 已越过该交易: 有其他已确认交易使用了这个 nonce 时立即 dropped,
// 否则连续 DroppedBlockCount 个新区块都没有 receipt 才 dropped
func (c *Controller) checkDropped(ctx context.Context, client chain.Client, m *types.TransactionMeta, networkCount, head uint64, res *PollResult) (bool, error) {
	n, ok := m.Nonce()
	if !ok || n >= networkCount {
		c.dropWatch.Delete(m.ID)
		return false, nil
	}

	same, err := c.store.List(ctx, store.Filter{ChainID: m.ChainID, From: &m.Params.From, Nonce: &n})
	if err != nil {
		return false, err
	}
	for _, s := range same {
		if s.ID == m.ID {
			continue
		}
		if s.Status == types.StatusConfirmed || (s.Status == types.StatusFailed && s.GasUsed != nil) {
			if c.markDropped(ctx, m.ID, s.ID) {
				res.Dropped++
				return true, nil
			}
			return false, nil
		}
		if s.Status == types.StatusDropped && s.AwaitsReceipt() {
			// 被替换的原交易先上链: 应用它的 receipt, m 作为同 nonce 交易随之 dropped
			r, err := client.TransactionReceipt(ctx, *s.Hash)
			if err != nil || r == nil {
				continue
			}
			if err := c.applyReceipt(ctx, s, r, res); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	v, _ := c.dropWatch.LoadOrStore(m.ID, &dropState{})
	st := v.(*dropState)
	if head > st.lastHead {
		st.count++
		st.lastHead = head
	}
	if st.count < c.opts.Poll.DroppedBlockCount {
		return false, nil
	}
	if c.markDropped(ctx, m.ID, "") {
		res.Dropped++
		return true, nil
	}
	return false, nil
}

// checkStuck 直连交易超过 MaxBlockDistance 个区块仍没有 receipt 时标记 stuck, 状态不变
func (c *Controller) checkStuck(ctx context.Context, m *types.TransactionMeta, head uint64) {
	if m.Stuck || m.SubmitPath != types.PathDirect || m.SubmittedBlock == 0 {
		return
	}
	if head < m.SubmittedBlock+c.opts.Poll.MaxBlockDistance {
		return
	}
	c.flagStuck(ctx, m.ID)
}

func (c *Controller) flagStuck(ctx context.Context, id string) {
	meta, err := c.apply(ctx, id, func(cur *types.TransactionMeta) error {
		if err := expect(cur, types.StatusSubmitted); err != nil {
			return err
		}
		cur.Stuck = true
		return nil
	})
	if err != nil {
		logger.Warn("flag stuck failed", zap.String("tx_id", id), zap.Error(err))
		return
	}
	logger.Warn("transaction stuck",
		zap.String("tx_id", meta.ID),
		zap.Uint64("chain_id", meta.ChainID),
		zap.String("path", string(meta.SubmitPath)))
}

// pollRelayTasks 轮询到期的中继任务
func (c *Controller) pollRelayTasks(ctx context.Context, chainID uint64, res *PollResult) error {
	if c.relay == nil {
		return nil
	}
	metas, err := c.store.List(ctx, store.Filter{ChainID: chainID, Statuses: []types.TxStatus{types.StatusSubmitted}})
	if err != nil {
		return errno.ErrDatabase.WithMessage(err.Error())
	}
	now := c.now()
	for _, m := range metas {
		if m.Relay == nil {
			continue
		}
		v, ok := c.relayTasks.Load(m.ID)
		if !ok {
			continue
		}
		task := v.(*relayTask)
		task.mu.Lock()
		due := !now.Before(task.next)
		task.mu.Unlock()
		if !due {
			continue
		}
		res.RelayPolled++
		c.pollRelay(ctx, m, task, now, res)
	}
	return nil
}

func (c *Controller) pollRelay(ctx context.Context, m *types.TransactionMeta, task *relayTask, now time.Time, res *PollResult) {
	reschedule := func() {
		task.mu.Lock()
		task.next = now.Add(c.backoff(task.attempt))
		task.attempt++
		stuck := now.Sub(task.started) >= c.opts.Relay.StuckAfter
		task.mu.Unlock()
		if stuck && !m.Stuck {
			c.flagStuck(ctx, m.ID)
		}
	}

	st, err := c.relay.PollStatus(ctx, m.Relay.UUID)
	if err != nil {
		logger.Warn("relay status poll failed", zap.String("tx_id", m.ID), zap.String("uuid", m.Relay.UUID), zap.Error(err))
		reschedule()
		return
	}

	switch st.Status {
	case relay.StatusSuccess:
		if st.MinedHash == nil {
			if _, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
				if err := expect(cur, types.StatusSubmitted); err != nil {
					return err
				}
				cur.Relay.LastStatus = st.Status
				cur.Status = types.StatusConfirmed
				cur.Stuck = false
				return nil
			}); err == nil {
				res.Confirmed++
			}
			return
		}
		// 记录上链哈希, 由 receipt 决定最终状态
		hash := *st.MinedHash
		_, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
			if err := expect(cur, types.StatusSubmitted); err != nil {
				return err
			}
			cur.Relay.LastStatus = st.Status
			cur.Hash = &hash
			return nil
		})
		if err != nil {
			logger.Warn("record relay mined hash failed", zap.String("tx_id", m.ID), zap.Error(err))
		}
		c.cancelRelayTask(m.ID)

	case relay.StatusFailed:
		reason := st.Reason
		if reason == "" {
			reason = "relay reported failure"
		}
		_, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
			if err := expect(cur, types.StatusSubmitted); err != nil {
				return err
			}
			cur.Relay.LastStatus = st.Status
			cur.Status = types.StatusFailed
			cur.Error = txError(errno.ErrRelayRejected.WithMessage(reason))
			return nil
		})
		if err == nil {
			res.Failed++
			c.resync(ctx, m.Params.From, m.ChainID)
		}

	case relay.StatusCancelled:
		if c.markDropped(ctx, m.ID, m.ReplacedBy) {
			res.Dropped++
		}

	default:
		if m.Relay.LastStatus != st.Status {
			_, _ = c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
				cur.Relay.LastStatus = st.Status
				return nil
			})
		}
		reschedule()
	}
}
