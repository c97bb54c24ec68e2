package controller

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wallet-txengine/internal/event"
	"wallet-txengine/internal/service/queue"
	"wallet-txengine/internal/service/upgrade"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// upgradeOrigin 升级询问由钱包自身发起
const upgradeOrigin = "wallet"

func (c *Controller) enqueue(m *types.TransactionMeta) error {
	_, err := c.queue.Enqueue(queue.Entry{
		ID:      m.ID,
		Kind:    queue.KindTransaction,
		Origin:  m.Origin,
		ChainID: m.ChainID,
		Account: m.Params.From,
	})
	return err
}

// requeue 广播前失败回到 unapproved 后重新排队, 原条目已经被处理过
func (c *Controller) requeue(m *types.TransactionMeta) {
	c.queue.Forget(m.ID)
	if err := c.enqueue(m); err != nil {
		logger.Warn("requeue transaction failed", zap.String("tx_id", m.ID), zap.Error(err))
	}
}

// onQueueHead 在队列锁内被调用, 只做非阻塞的发布
func (c *Controller) onQueueHead(ev queue.HeadEvent) {
	out := event.QueueHeadChangedEvent{Pending: ev.Pending, OccurredAt: c.now()}
	if ev.Head != nil {
		out.EntryID = ev.Head.ID
		out.Kind = string(ev.Head.Kind)
		out.Origin = ev.Head.Origin
		out.ChainID = ev.Head.ChainID
	}
	c.metrics.SetQueueDepth(ev.Pending)
	c.hub.publishQueue(out)
}

// PromptUpgrade 通过审批队列询问用户是否升级账户, 阻塞到条目被处理
func (c *Controller) PromptUpgrade(ctx context.Context, account common.Address, chainID uint64, delegation common.Address) (bool, error) {
	entry, err := c.queue.Enqueue(queue.Entry{
		ID:      uuid.NewString(),
		Kind:    queue.KindUpgrade,
		Origin:  upgradeOrigin,
		ChainID: chainID,
		Account: account,
	})
	if err != nil {
		return false, err
	}
	defer c.queue.Forget(entry.ID)

	logger.Info("upgrade prompt queued",
		zap.String("entry_id", entry.ID),
		zap.String("account", account.Hex()),
		zap.Uint64("chain_id", chainID),
		zap.String("delegation", delegation.Hex()))

	r, err := c.queue.Wait(ctx, entry.ID)
	if err != nil {
		return false, err
	}
	return r == queue.Approved, nil
}

// ResolveQueueEntry 处理队列中的一个条目. 交易条目转为 Approve / Reject
func (c *Controller) ResolveQueueEntry(ctx context.Context, id string, r queue.Resolution) error {
	entry, ok := c.queue.Get(id)
	if !ok {
		return errno.ErrInvalidParams.WithMessage(fmt.Sprintf("queue entry %s not found", id))
	}
	if entry.Kind == queue.KindTransaction {
		switch r {
		case queue.Approved:
			return c.Approve(ctx, id)
		case queue.Rejected:
			return c.Reject(ctx, id)
		}
	}
	won, err := c.queue.Resolve(id, r)
	if err != nil {
		return err
	}
	if !won {
		return errno.ErrInvalidTransition.WithMessage(fmt.Sprintf("queue entry %s already resolved", id))
	}
	return nil
}

// RejectAllPending 拒绝队列中所有未处理的条目, 返回被拒绝的条目 id
func (c *Controller) RejectAllPending(ctx context.Context) ([]string, error) {
	entries := c.queue.RejectAll()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
		if e.Kind != queue.KindTransaction {
			continue
		}
		if _, err := c.rejectTx(ctx, e.ID); err != nil {
			logger.Warn("reject queued transaction failed", zap.String("tx_id", e.ID), zap.Error(err))
		}
	}
	logger.Info("rejected all pending entries", zap.Int("count", len(ids)))
	return ids, nil
}

// RequestAccountUpgrade 询问一次账户升级, 已有决定时直接返回
func (c *Controller) RequestAccountUpgrade(ctx context.Context, account common.Address, chainID uint64) (*upgrade.UpgradeDecision, error) {
	if err := c.checkAccount(account, chainID); err != nil {
		return nil, err
	}
	return c.upgrades.RequestUpgrade(ctx, account, chainID)
}

// RecordUpgradeDecision 直接记录用户的决定, 不经过队列
func (c *Controller) RecordUpgradeDecision(ctx context.Context, account common.Address, chainID uint64, accepted bool) (*upgrade.UpgradeDecision, error) {
	if err := c.checkAccount(account, chainID); err != nil {
		return nil, err
	}
	return c.upgrades.RecordDecision(ctx, account, chainID, accepted)
}

// UpgradeDecision 查询已记录的决定, 没有时返回 nil
func (c *Controller) UpgradeDecision(ctx context.Context, account common.Address, chainID uint64) (*upgrade.UpgradeDecision, error) {
	if err := c.checkAccount(account, chainID); err != nil {
		return nil, err
	}
	return c.upgrades.Decision(ctx, account, chainID)
}

func (c *Controller) checkAccount(account common.Address, chainID uint64) error {
	if _, ok := c.chains.Config(chainID); !ok {
		return errno.ErrUnsupportedChain.WithMessage(fmt.Sprintf("chain %d is not configured", chainID))
	}
	if !c.keyring.HasAccount(account) {
		return errno.ErrInvalidParams.WithMessage(fmt.Sprintf("unknown account %s", account.Hex()))
	}
	return nil
}
