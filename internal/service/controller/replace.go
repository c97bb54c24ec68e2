package controller

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wallet-txengine/internal/chain"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// SpeedUp 用相同 nonce 和更高费用替换一笔 submitted 交易.
// override 为 nil 时取 max(原费用提高 MinBumpPercent, 当前市场建议).
func (c *Controller) SpeedUp(ctx context.Context, id string, override *types.FeeParams) (*types.TransactionMeta, error) {
	src, err := c.replaceable(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Relay != nil {
		return nil, errno.ErrInvalidTransition.WithMessage("relay-backed transactions cannot be sped up, cancel instead")
	}

	fees, err := c.replacementFees(ctx, src, src.EnvelopeType(), override)
	if err != nil {
		return nil, err
	}
	repl := c.newReplacement(src, types.ReplaceSpeedUp)
	repl.Params = src.Params
	// batch 的授权在签名时按同一 nonce 重新生成
	repl.Envelope = src.Envelope.WithFees(fees)
	return c.replace(ctx, src, repl)
}

// CancelByReplacement 用相同 nonce 发送一笔 0 值自转账, 与原交易竞争.
// 这不是撤销: 原交易仍可能先上链. 中继提交的交易同时向中继请求取消.
func (c *Controller) CancelByReplacement(ctx context.Context, id string) (*types.TransactionMeta, error) {
	src, err := c.replaceable(ctx, id)
	if err != nil {
		return nil, err
	}

	envType := types.EnvelopeFeeMarket
	if src.EnvelopeType() == types.EnvelopeLegacy {
		envType = types.EnvelopeLegacy
	}
	fees, err := c.replacementFees(ctx, src, envType, nil)
	if err != nil {
		return nil, err
	}

	if src.Relay != nil && c.relay != nil {
		if err := c.relay.Cancel(ctx, src.Relay.UUID); err != nil {
			logger.Warn("relay cancel failed, continuing with replacement",
				zap.String("tx_id", src.ID), zap.String("uuid", src.Relay.UUID), zap.Error(err))
		}
	}

	repl := c.newReplacement(src, types.ReplaceCancel)
	self := src.Params.From
	repl.Params = types.TxParams{
		From:  src.Params.From,
		To:    &self,
		Value: new(big.Int),
		Nonce: src.Params.Nonce,
		Gas:   cancelGasLimit,
	}
	env, _ := types.NewEnvelope(envType, nil)
	repl.Envelope = env.WithFees(fees)
	return c.replace(ctx, src, repl)
}

func (c *Controller) replaceable(ctx context.Context, id string) (*types.TransactionMeta, error) {
	src, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := expect(src, types.StatusSubmitted); err != nil {
		return nil, err
	}
	if _, ok := src.Nonce(); !ok {
		return nil, errno.ErrNonceState.WithMessage(fmt.Sprintf("transaction %s has no nonce", id))
	}
	return src, nil
}

// replacementFees 计算替换交易的费用, 必须不低于原费用提高 MinBumpPercent
func (c *Controller) replacementFees(ctx context.Context, src *types.TransactionMeta, envType types.EnvelopeType, override *types.FeeParams) (types.FeeParams, error) {
	prev := src.Envelope.Fees()
	pct := c.opts.Fee.MinBumpPercent

	if override != nil {
		if !types.CoversBump(prev, *override, pct) {
			return types.FeeParams{}, errno.ErrFeeBumpTooLow.WithMessage(
				fmt.Sprintf("replacement fees must be at least %d%% higher than the original", pct))
		}
		return *override, nil
	}

	fees := types.BumpFees(prev, pct)
	if sug, err := c.fees.Estimate(ctx, src.ChainID, envType); err == nil {
		fees = types.MaxFees(fees, sug.Medium)
	} else {
		logger.Warn("fee estimate for replacement failed, using bumped fees",
			zap.String("tx_id", src.ID), zap.Error(err))
	}
	if fees.MaxPriorityFeePerGas != nil && fees.MaxFeePerGas != nil && fees.MaxPriorityFeePerGas.Cmp(fees.MaxFeePerGas) > 0 {
		fees.MaxFeePerGas = new(big.Int).Set(fees.MaxPriorityFeePerGas)
	}
	return fees, nil
}

func (c *Controller) newReplacement(src *types.TransactionMeta, kind types.ReplaceType) *types.TransactionMeta {
	now := c.now()
	return &types.TransactionMeta{
		ID:          uuid.NewString(),
		ChainID:     src.ChainID,
		Origin:      src.Origin,
		Status:      types.StatusApproved,
		Replaces:    src.ID,
		ReplaceType: kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// replace 签名并直接广播替换交易. 替换交易 submitted 之后原交易才变为 dropped
func (c *Controller) replace(ctx context.Context, src, repl *types.TransactionMeta) (*types.TransactionMeta, error) {
	repl.Params.Nonce = src.Params.Nonce
	if repl.Params.Value == nil {
		repl.Params.Value = new(big.Int)
	}
	if repl.Params.Gas == 0 {
		repl.Params.Gas = src.Params.Gas
	}

	if err := c.store.Save(ctx, repl, c.statusEvent(repl, "")); err != nil {
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	c.metrics.ObserveTransition(repl.ChainID, string(repl.Status))
	c.hub.publishTx(repl, "")

	fail := func(cause error) (*types.TransactionMeta, error) {
		_, err := c.apply(ctx, repl.ID, func(m *types.TransactionMeta) error {
			m.Status = types.StatusFailed
			m.Error = txError(cause)
			return nil
		})
		if err != nil {
			logger.Error("record replacement failure", zap.String("tx_id", repl.ID), zap.Error(err))
		}
		return nil, cause
	}

	signed, err := c.signTx(ctx, repl)
	if err != nil {
		return fail(err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fail(err)
	}
	meta, err := c.apply(ctx, repl.ID, func(m *types.TransactionMeta) error {
		h := signed.Hash()
		m.Status = types.StatusSigned
		m.RawTx = raw
		m.Hash = &h
		return nil
	})
	if err != nil {
		return nil, err
	}

	client, err := c.chains.Client(meta.ChainID)
	if err != nil {
		return fail(err)
	}
	head, _ := client.BlockNumber(ctx)
	sendErr := client.SendTransaction(ctx, signed)
	kind := chain.ClassifyBroadcastError(sendErr)
	var note *types.TxError
	switch kind {
	case "", chain.KindKnown:
	case chain.KindTransport:
		note = txError(errno.ErrBroadcast.WithMessage(sendErr.Error()))
	default:
		c.metrics.ObserveBroadcastError(meta.ChainID, string(kind))
		cause := errno.ErrBroadcast.WithMessage(sendErr.Error())
		if kind == chain.KindNonce {
			// 原交易或其他交易已经占用了这个 nonce
			defer c.resync(ctx, meta.Params.From, meta.ChainID)
		}
		return fail(cause)
	}
	if kind != "" {
		c.metrics.ObserveBroadcastError(meta.ChainID, string(kind))
	}

	meta, err = c.markSubmitted(ctx, meta, types.PathDirect, nil, head, note)
	if err != nil {
		return nil, err
	}

	// 原交易 -> dropped. 期间已经确认的原交易保持不变, 由 poll 处理替换交易
	_, err = c.apply(ctx, src.ID, func(m *types.TransactionMeta) error {
		if m.Status != types.StatusSubmitted {
			return nil
		}
		m.Status = types.StatusDropped
		m.ReplacedBy = meta.ID
		return nil
	})
	if err != nil {
		logger.Error("mark replaced transaction dropped failed", zap.String("tx_id", src.ID), zap.Error(err))
	}

	logger.Info("transaction replaced",
		zap.String("source", src.ID),
		zap.String("replacement", meta.ID),
		zap.String("type", string(meta.ReplaceType)))
	return meta, nil
}
