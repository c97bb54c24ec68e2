package controller

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"wallet-txengine/internal/service/gasfee"
	"wallet-txengine/internal/service/relay"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// SelectGasFeeToken 为 unapproved 交易选择手续费代币. 零地址表示改回原生币支付.
// 赞助交易优先, 不能再选择代币.
func (c *Controller) SelectGasFeeToken(ctx context.Context, id string, token common.Address) (*types.TransactionMeta, error) {
	meta, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := expect(meta, types.StatusUnapproved); err != nil {
		return nil, err
	}

	if token == (common.Address{}) {
		return c.apply(ctx, id, func(m *types.TransactionMeta) error {
			if err := expect(m, types.StatusUnapproved); err != nil {
				return err
			}
			m.GasFeeToken = nil
			return nil
		})
	}

	switch {
	case meta.Sponsored:
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage("transaction is sponsored")
	case meta.EnvelopeType() == types.EnvelopeLegacy:
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage("legacy transactions cannot pay fees with tokens")
	case c.relay == nil:
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage("relay is not configured")
	}

	caps, err := c.relay.Capabilities(ctx, meta.ChainID)
	if err != nil {
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("relay capabilities unavailable: %v", err))
	}
	if !caps.GasFeeTokens {
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("gas fee tokens are not available on chain %d", meta.ChainID))
	}

	// 1. 固定费用和 gas, 报价基于这两个值
	if !meta.Envelope.HasFees() {
		sug, err := c.fees.Estimate(ctx, meta.ChainID, meta.EnvelopeType())
		if err != nil {
			return nil, err
		}
		meta.Envelope = meta.Envelope.WithFees(sug.Medium)
	}
	if meta.Params.Gas == 0 {
		gas, err := c.estimateGas(ctx, meta)
		if err != nil {
			return nil, err
		}
		meta.Params.Gas = gas
	}

	// 2. 中继模拟给出报价
	sim, err := c.relay.Simulate(ctx, relay.SimulationRequest{
		ChainID:      meta.ChainID,
		Transactions: simTxs(meta),
		WithGasFees:  true,
	})
	if err != nil {
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("simulation failed: %v", err))
	}
	c.metrics.SetGasPaymentTokensAvailable(meta.ChainID, len(sim.GasFeeTokens))
	if sim.Sponsored {
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage("transaction is eligible for sponsorship")
	}
	q, ok := sim.Quote(token)
	if !ok || q.RateWei == nil || q.Amount == nil {
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("token %s is not offered", token.Hex()))
	}

	// 3. 本地换算与中继金额核对
	amount, err := c.fees.ConvertToToken(ctx, meta.ChainID, nativeFeeCap(meta), gasfee.TokenQuote{
		Token:        q.TokenAddress,
		Symbol:       q.Symbol,
		Decimals:     q.Decimals,
		RateWei:      q.RateWei.ToInt(),
		FeeRecipient: q.FeeRecipient,
		QuoteBlock:   uint64(sim.Block),
	})
	if err != nil {
		return nil, err
	}
	if err := gasfee.VerifyQuote(amount.Amount, q.Amount.ToInt(), c.opts.Fee.QuoteToleranceBps); err != nil {
		return nil, err
	}

	selected := &types.GasFeeToken{
		Symbol:       q.Symbol,
		Address:      q.TokenAddress,
		Decimals:     q.Decimals,
		AmountToken:  amount.Amount,
		RateWei:      q.RateWei.ToInt(),
		FeeRecipient: q.FeeRecipient,
		QuoteBlock:   uint64(sim.Block),
	}
	prepared := meta
	out, err := c.apply(ctx, id, func(m *types.TransactionMeta) error {
		if err := expect(m, types.StatusUnapproved); err != nil {
			return err
		}
		if m.Sponsored {
			return errno.ErrGasFeeTokenUnavailable.WithMessage("transaction is sponsored")
		}
		m.Envelope = prepared.Envelope
		m.Params.Gas = prepared.Params.Gas
		m.GasFeeToken = selected
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("gas fee token selected",
		zap.String("tx_id", id),
		zap.String("token", selected.Symbol),
		zap.String("amount", amount.Display()))
	return out, nil
}

// GasFeeTokens 列出中继对该交易给出的代币报价
func (c *Controller) GasFeeTokens(ctx context.Context, id string) ([]relay.GasFeeTokenQuote, error) {
	meta, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.relay == nil || meta.EnvelopeType() == types.EnvelopeLegacy {
		return nil, nil
	}
	sim, err := c.relay.Simulate(ctx, relay.SimulationRequest{
		ChainID:      meta.ChainID,
		Transactions: simTxs(meta),
		WithGasFees:  true,
	})
	if err != nil {
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("simulation failed: %v", err))
	}
	c.metrics.SetGasPaymentTokensAvailable(meta.ChainID, len(sim.GasFeeTokens))
	return sim.GasFeeTokens, nil
}

func simTxs(m *types.TransactionMeta) []relay.SimTx {
	if env, ok := m.Envelope.(types.BatchEnvelope); ok {
		out := make([]relay.SimTx, 0, len(env.Calls))
		for _, call := range env.Calls {
			to := call.To
			out = append(out, relay.SimTx{From: m.Params.From, To: &to, Value: (*hexutil.Big)(call.Value), Data: call.Data})
		}
		return out
	}
	return []relay.SimTx{{
		From:  m.Params.From,
		To:    m.Params.To,
		Value: (*hexutil.Big)(m.Params.Value),
		Data:  m.Params.Data,
		Gas:   hexutil.Uint64(m.Params.Gas),
	}}
}
