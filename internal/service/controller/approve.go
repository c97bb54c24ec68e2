package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/service/gasfee"
	"wallet-txengine/internal/service/queue"
	"wallet-txengine/internal/service/relay"
	"wallet-txengine/internal/service/upgrade"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// Approve 用户确认交易: 分配 nonce, 确定费用, 签名, 选择路径并提交.
// 广播前的失败回到 unapproved 并释放 nonce, 广播后的失败记录在交易上.
func (c *Controller) Approve(ctx context.Context, id string) error {
	if _, queued := c.queue.Get(id); queued {
		won, err := c.queue.Resolve(id, queue.Approved)
		if err != nil {
			return err
		}
		if !won {
			return errno.ErrInvalidTransition.WithMessage(fmt.Sprintf("transaction %s already resolved", id))
		}
		// 广播前失败时 revert 会重新入队
		c.queue.Forget(id)
	}

	// 1. unapproved -> approved
	meta, err := c.apply(ctx, id, func(m *types.TransactionMeta) error {
		if err := expect(m, types.StatusUnapproved); err != nil {
			return err
		}
		m.Status = types.StatusApproved
		m.Error = nil
		return nil
	})
	if err != nil {
		return err
	}

	// 2. 分配 nonce, 写入后 nonce 归这条记录所有
	n, err := c.nonces.Reserve(ctx, meta.Params.From, meta.ChainID)
	if err != nil {
		return c.revert(ctx, meta, nil, err)
	}
	approved := meta
	meta, err = c.apply(ctx, id, func(m *types.TransactionMeta) error {
		if err := expect(m, types.StatusApproved); err != nil {
			return err
		}
		m.Params.Nonce = &n
		return nil
	})
	if err != nil {
		// 期间被拒绝
		c.releaseNonce(approved, n)
		return err
	}

	// 3. 费用, 升级, gas, 路径, 代币报价
	path, err := c.prepare(ctx, meta)
	if errors.Is(err, errno.ErrUpgradeDeclined) {
		return c.abandon(ctx, meta, n, err)
	}
	if err != nil {
		return c.revert(ctx, meta, &n, err)
	}

	// 4. 签名
	signed, err := c.signTx(ctx, meta)
	if err != nil {
		return c.revert(ctx, meta, &n, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return c.revert(ctx, meta, &n, err)
	}
	prepared := meta
	meta, err = c.apply(ctx, id, func(m *types.TransactionMeta) error {
		if err := expect(m, types.StatusApproved); err != nil {
			return err
		}
		h := signed.Hash()
		m.Status = types.StatusSigned
		m.Envelope = prepared.Envelope
		m.Params.Gas = prepared.Params.Gas
		m.RawTx = raw
		m.Hash = &h
		return nil
	})
	if err != nil {
		c.releaseNonce(prepared, n)
		return err
	}

	// 5. 提交
	if path == types.PathRelay {
		return c.submitRelay(ctx, meta)
	}
	return c.submitDirect(ctx, meta, signed)
}

// prepare 补齐费用和 gas, 处理升级授权, 返回提交路径. 只修改传入的副本
func (c *Controller) prepare(ctx context.Context, m *types.TransactionMeta) (types.SubmitPath, error) {
	if !m.Envelope.HasFees() {
		sug, err := c.fees.Estimate(ctx, m.ChainID, m.EnvelopeType())
		if err != nil {
			return "", err
		}
		m.Envelope = m.Envelope.WithFees(sug.Medium)
	}

	if env, ok := m.Envelope.(types.BatchEnvelope); ok {
		delegation, err := c.upgradeGate(ctx, m)
		if err != nil {
			return "", err
		}
		env.Delegation = delegation
		m.Envelope = env
	}

	if m.Params.Gas == 0 {
		gas, err := c.estimateGas(ctx, m)
		if err != nil {
			return "", err
		}
		m.Params.Gas = gas
	}

	path, err := c.choosePath(ctx, m)
	if err != nil {
		return "", err
	}
	if m.GasFeeToken != nil {
		if err := c.checkTokenQuote(ctx, m); err != nil {
			return "", err
		}
	}
	return path, nil
}

// upgradeGate batch 交易的升级检查. 返回非 nil 表示需要把授权合并进本笔交易
func (c *Controller) upgradeGate(ctx context.Context, m *types.TransactionMeta) (*common.Address, error) {
	need, err := c.upgrades.NeedsUpgrade(ctx, m.Params.From, m.ChainID, types.EnvelopeBatch)
	if err != nil {
		return nil, err
	}
	if !need {
		return nil, nil
	}

	d, err := c.upgrades.Decision(ctx, m.Params.From, m.ChainID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d, err = c.upgrades.RequestUpgrade(ctx, m.Params.From, m.ChainID)
		if err != nil {
			return nil, err
		}
	}
	if d.Decision != upgrade.DecisionAccepted || d.Delegation == nil {
		return nil, errno.ErrUpgradeDeclined.WithMessage(
			fmt.Sprintf("account %s declined the upgrade on chain %d", m.Params.From.Hex(), m.ChainID))
	}
	return d.Delegation, nil
}

// choosePath 选择提交路径. legacy 只走直连;
// 普通交易在查询中继能力失败时退回直连, batch / 代币付费 / 赞助交易不退回.
func (c *Controller) choosePath(ctx context.Context, m *types.TransactionMeta) (types.SubmitPath, error) {
	needsRelay := m.Sponsored || m.GasFeeToken != nil
	envType := m.EnvelopeType()

	if envType == types.EnvelopeLegacy {
		if needsRelay {
			return "", errno.ErrInvalidParams.WithMessage("legacy transactions cannot be relayed")
		}
		return types.PathDirect, nil
	}
	if c.relay == nil {
		if needsRelay {
			return "", errno.ErrUnsupportedCapability.WithMessage("relay is not configured")
		}
		return types.PathDirect, nil
	}

	caps, err := c.relay.Capabilities(ctx, m.ChainID)
	if err != nil {
		if needsRelay || envType == types.EnvelopeBatch {
			return "", errno.ErrRelayRejected.WithMessage(fmt.Sprintf("relay capabilities unavailable: %v", err))
		}
		logger.Warn("relay capabilities unavailable, submitting directly",
			zap.String("tx_id", m.ID), zap.Uint64("chain_id", m.ChainID), zap.Error(err))
		return types.PathDirect, nil
	}

	switch {
	case m.Sponsored && !caps.Sponsorship:
		return "", errno.ErrUnsupportedCapability.WithMessage(fmt.Sprintf("sponsorship is not available on chain %d", m.ChainID))
	case m.GasFeeToken != nil && !caps.GasFeeTokens:
		return "", errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("gas fee tokens are not available on chain %d", m.ChainID))
	}

	relayable := caps.Relay
	if env, ok := m.Envelope.(types.BatchEnvelope); ok && env.Delegation != nil && !caps.EIP7702 {
		relayable = false
	}
	if !relayable {
		if needsRelay {
			return "", errno.ErrUnsupportedCapability.WithMessage(fmt.Sprintf("relay cannot submit this transaction on chain %d", m.ChainID))
		}
		return types.PathDirect, nil
	}
	return types.PathRelay, nil
}

// checkTokenQuote 确认时重新核对代币报价: 用户选择时的报价区块不能过旧,
// 中继重新模拟给出的金额与用户同意的金额偏差不能超过容差
func (c *Controller) checkTokenQuote(ctx context.Context, m *types.TransactionMeta) error {
	tok := m.GasFeeToken
	// 只用于报价区块的过期检查, 金额与选择时相同
	if _, err := c.fees.ConvertToToken(ctx, m.ChainID, nativeFeeCap(m), gasfee.TokenQuote{
		Token:      tok.Address,
		Symbol:     tok.Symbol,
		Decimals:   tok.Decimals,
		RateWei:    tok.RateWei,
		QuoteBlock: tok.QuoteBlock,
	}); err != nil {
		return err
	}

	sim, err := c.relay.Simulate(ctx, relay.SimulationRequest{
		ChainID:      m.ChainID,
		Transactions: simTxs(m),
		WithGasFees:  true,
	})
	if err != nil {
		return errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("simulation failed: %v", err))
	}
	q, ok := sim.Quote(tok.Address)
	if !ok || q.Amount == nil {
		return errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("token %s is no longer offered", tok.Address.Hex()))
	}
	return gasfee.VerifyQuote(tok.AmountToken, q.Amount.ToInt(), c.opts.Fee.QuoteToleranceBps)
}

// revert 广播前失败: 回到 unapproved, 释放 nonce, 重新排队. 返回原始错误
func (c *Controller) revert(ctx context.Context, m *types.TransactionMeta, n *uint64, cause error) error {
	logger.Warn("transaction failed before broadcast",
		zap.String("tx_id", m.ID),
		zap.Uint64("chain_id", m.ChainID),
		zap.Error(cause))

	reverted, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
		if err := expect(cur, types.StatusApproved, types.StatusSigned); err != nil {
			return err
		}
		cur.Status = types.StatusUnapproved
		cur.Params.Nonce = nil
		cur.RawTx = nil
		cur.Hash = nil
		cur.Error = txError(cause)
		return nil
	})
	if n != nil {
		c.releaseNonce(m, *n)
	}
	if err == nil {
		c.requeue(reverted)
	}
	return cause
}

// abandon 拒绝升级后 batch 无法再提交: approved -> rejected 并带上错误, 不再排队
func (c *Controller) abandon(ctx context.Context, m *types.TransactionMeta, n uint64, cause error) error {
	_, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
		if err := expect(cur, types.StatusApproved); err != nil {
			return err
		}
		cur.Status = types.StatusRejected
		cur.Params.Nonce = nil
		cur.Error = txError(cause)
		return nil
	})
	if err != nil {
		logger.Error("reject declined batch failed", zap.String("tx_id", m.ID), zap.Error(err))
	}
	c.releaseNonce(m, n)
	c.queue.Forget(m.ID)
	return cause
}

// Reject 拒绝 unapproved 或 approved 的交易, 释放已分配的 nonce
func (c *Controller) Reject(ctx context.Context, id string) error {
	if _, queued := c.queue.Get(id); queued {
		// 已被批准的条目仍然允许在广播前拒绝, 由状态机判断
		if _, err := c.queue.Resolve(id, queue.Rejected); err != nil {
			return err
		}
	}
	_, err := c.rejectTx(ctx, id)
	return err
}

func (c *Controller) rejectTx(ctx context.Context, id string) (*types.TransactionMeta, error) {
	var held *uint64
	meta, err := c.apply(ctx, id, func(m *types.TransactionMeta) error {
		if err := expect(m, types.StatusUnapproved, types.StatusApproved); err != nil {
			return err
		}
		held = m.Params.Nonce
		m.Status = types.StatusRejected
		m.Error = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if held != nil {
		c.releaseNonce(meta, *held)
	}
	c.queue.Forget(id)
	return meta, nil
}

// submitDirect eth_sendRawTransaction, 按错误类型决定记录状态
func (c *Controller) submitDirect(ctx context.Context, m *types.TransactionMeta, tx *gethtypes.Transaction) error {
	n, _ := m.Nonce()
	client, err := c.chains.Client(m.ChainID)
	if err != nil {
		return c.revert(ctx, m, &n, err)
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		logger.Warn("eth_blockNumber failed before broadcast", zap.Uint64("chain_id", m.ChainID), zap.Error(err))
	}

	sendErr := client.SendTransaction(ctx, tx)
	kind := chain.ClassifyBroadcastError(sendErr)
	if sendErr != nil {
		c.metrics.ObserveBroadcastError(m.ChainID, string(kind))
	}

	switch kind {
	case "", chain.KindKnown:
		_, err := c.markSubmitted(ctx, m, types.PathDirect, nil, head, nil)
		return err
	case chain.KindTransport:
		// 交易可能已经发出, 交给 poll 对账
		cause := errno.ErrBroadcast.WithMessage(sendErr.Error())
		_, err := c.markSubmitted(ctx, m, types.PathDirect, nil, head, txError(cause))
		return err
	case chain.KindNonce:
		cause := errno.ErrBroadcast.WithMessage(sendErr.Error())
		err := c.revert(ctx, m, &n, cause)
		c.resync(ctx, m.Params.From, m.ChainID)
		return err
	default:
		return c.revert(ctx, m, &n, errno.ErrBroadcast.WithMessage(sendErr.Error()))
	}
}

// submitRelay 提交给中继. 中继明确拒绝时记录 failed 并释放 nonce
func (c *Controller) submitRelay(ctx context.Context, m *types.TransactionMeta) error {
	n, _ := m.Nonce()
	req := relay.SubmitRequest{
		ChainID:   m.ChainID,
		RawTxs:    []hexutil.Bytes{m.RawTx},
		Sponsored: m.Sponsored,
		Origin:    m.Origin,
	}
	if m.GasFeeToken != nil {
		token := m.GasFeeToken.Address
		req.GasFeeToken = &token
	}

	h, err := c.relay.Submit(ctx, req)
	if err != nil {
		if !errors.Is(err, errno.ErrRelayRejected) {
			c.metrics.ObserveRelaySubmission(m.ChainID, "error")
			return c.revert(ctx, m, &n, errno.ErrRelayRejected.WithMessage(err.Error()))
		}
		c.metrics.ObserveRelaySubmission(m.ChainID, "rejected")
		_, applyErr := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
			if err := expect(cur, types.StatusSigned); err != nil {
				return err
			}
			cur.Status = types.StatusFailed
			cur.SubmitPath = types.PathRelay
			cur.Error = txError(err)
			return nil
		})
		c.releaseNonce(m, n)
		if applyErr != nil {
			logger.Error("record relay rejection failed", zap.String("tx_id", m.ID), zap.Error(applyErr))
		}
		return err
	}
	c.metrics.ObserveRelaySubmission(m.ChainID, "accepted")

	var head uint64
	if client, err := c.chains.Client(m.ChainID); err == nil {
		head, _ = client.BlockNumber(ctx)
	}
	info := &types.RelayInfo{UUID: h.UUID, Provider: c.relay.Provider(), LastStatus: relay.StatusPending}
	meta, err := c.markSubmitted(ctx, m, types.PathRelay, info, head, nil)
	if err != nil {
		return err
	}
	c.armRelayTask(meta.ID, meta.SubmittedAt)
	return nil
}

// markSubmitted signed -> submitted. nonce 先标记为已广播, 之后不能再释放
func (c *Controller) markSubmitted(ctx context.Context, m *types.TransactionMeta, path types.SubmitPath, info *types.RelayInfo, head uint64, note *types.TxError) (*types.TransactionMeta, error) {
	n, _ := m.Nonce()
	if err := c.nonces.MarkBroadcast(m.Params.From, m.ChainID, n); err != nil {
		// 启动对账或替换交易的 nonce 可能不在预留表中
		c.nonces.Track(m.Params.From, m.ChainID, n)
	}
	meta, err := c.apply(ctx, m.ID, func(cur *types.TransactionMeta) error {
		if err := expect(cur, types.StatusSigned); err != nil {
			return err
		}
		cur.Status = types.StatusSubmitted
		cur.SubmitPath = path
		cur.Relay = info
		cur.SubmittedBlock = head
		cur.SubmittedAt = c.now()
		cur.Error = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveGasPaidWith(meta.ChainID, gasPaidWith(meta))
	logger.Info("transaction submitted",
		zap.String("tx_id", meta.ID),
		zap.Uint64("chain_id", meta.ChainID),
		zap.Uint64("nonce", n),
		zap.String("path", string(path)),
		zap.Stringer("hash", meta.Hash))
	return meta, nil
}
