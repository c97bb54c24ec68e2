package controller

import (
	"context"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// BootResult 启动恢复的统计
type BootResult struct {
	Requeued   int `json:"requeued"`
	Failed     int `json:"failed"`
	Promoted   int `json:"promoted"`
	Tracked    int `json:"tracked"`
	RelayArmed int `json:"relayArmed"`
}

// Boot 进程启动时恢复未完成的交易, 必须在对外服务之前调用一次
func (c *Controller) Boot(ctx context.Context) (*BootResult, error) {
	res := &BootResult{}

	// 1. approved: 签名过程中进程退出, 无法确认是否已经签名
	approved, err := c.store.List(ctx, store.Filter{Statuses: []types.TxStatus{types.StatusApproved}})
	if err != nil {
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	for _, m := range approved {
		_, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
			if err := expect(cur, types.StatusApproved); err != nil {
				return err
			}
			cur.Status = types.StatusFailed
			cur.Error = txError(errno.InternalServerError.WithMessage("possibly stuck during signing"))
			return nil
		})
		if err != nil {
			logger.Error("boot: fail approved transaction", zap.String("tx_id", m.ID), zap.Error(err))
			continue
		}
		res.Failed++
	}

	// 2. signed: 已经有签名和哈希, 重新广播后交给 poll
	signed, err := c.store.List(ctx, store.Filter{Statuses: []types.TxStatus{types.StatusSigned}})
	if err != nil {
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	for _, m := range signed {
		c.rebroadcast(ctx, m)
		_, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
			if err := expect(cur, types.StatusSigned); err != nil {
				return err
			}
			if cur.SubmitPath == "" {
				cur.SubmitPath = types.PathDirect
			}
			if cur.SubmittedAt.IsZero() {
				cur.SubmittedAt = c.now()
			}
			cur.Status = types.StatusSubmitted
			return nil
		})
		if err != nil {
			logger.Error("boot: promote signed transaction", zap.String("tx_id", m.ID), zap.Error(err))
			continue
		}
		res.Promoted++
	}

	// 3. submitted: 恢复 nonce 和中继任务
	submitted, err := c.store.List(ctx, store.Filter{Statuses: []types.TxStatus{types.StatusSubmitted}})
	if err != nil {
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	for _, m := range submitted {
		if n, ok := m.Nonce(); ok {
			c.nonces.Track(m.Params.From, m.ChainID, n)
			res.Tracked++
		}
		if m.SubmitPath == types.PathRelay && m.Relay != nil && m.Relay.UUID != "" {
			c.armRelayTask(m.ID, m.SubmittedAt)
			res.RelayArmed++
		}
	}

	// 4. unapproved: 按创建时间重新入队
	unapproved, err := c.store.List(ctx, store.Filter{Statuses: []types.TxStatus{types.StatusUnapproved}})
	if err != nil {
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	for _, m := range unapproved {
		if _, queued := c.queue.Get(m.ID); queued {
			continue
		}
		if err := c.enqueue(m); err != nil {
			logger.Warn("boot: enqueue failed", zap.String("tx_id", m.ID), zap.Error(err))
			continue
		}
		res.Requeued++
	}

	logger.Info("boot reconciliation finished",
		zap.Int("requeued", res.Requeued),
		zap.Int("failed", res.Failed),
		zap.Int("promoted", res.Promoted),
		zap.Int("tracked", res.Tracked),
		zap.Int("relay_armed", res.RelayArmed))
	return res, nil
}

// rebroadcast 尽力重发已签名的原始交易, 已在池中的错误忽略
func (c *Controller) rebroadcast(ctx context.Context, m *types.TransactionMeta) {
	if len(m.RawTx) == 0 || m.SubmitPath == types.PathRelay {
		return
	}
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(m.RawTx); err != nil {
		logger.Warn("boot: decode raw transaction", zap.String("tx_id", m.ID), zap.Error(err))
		return
	}
	client, err := c.chains.Client(m.ChainID)
	if err != nil {
		return
	}
	err = client.SendTransaction(ctx, tx)
	if kind := chain.ClassifyBroadcastError(err); kind != "" && kind != chain.KindKnown {
		logger.Warn("boot: rebroadcast failed",
			zap.String("tx_id", m.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}
