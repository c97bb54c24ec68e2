package gasfee

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wallet-txengine/internal/chain"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// ClientSource 按链获取 RPC 客户端
type ClientSource interface {
	Client(chainID uint64) (chain.Client, error)
}

// eth_feeHistory 使用的 reward 分位
var rewardPercentiles = []float64{10, 50, 90}

// base fee 放大倍数 (百分比), 给后续区块的 base fee 上涨留余量
const (
	lowBaseFeePercent    = 110
	mediumBaseFeePercent = 120
	highBaseFeePercent   = 125
)

// fetchTimeout 一次合并查询的上限
const fetchTimeout = 15 * time.Second

// FeeSuggestion 三档费用建议
type FeeSuggestion struct {
	ChainID      uint64             `json:"chainId"`
	EnvelopeType types.EnvelopeType `json:"envelopeType"`
	Low          types.FeeParams    `json:"low"`
	Medium       types.FeeParams    `json:"medium"`
	High         types.FeeParams    `json:"high"`
	BaseFee      *big.Int           `json:"baseFee,omitempty"`
	Block        uint64             `json:"block"`
	Source       string             `json:"source"` // feeHistory, blockSamples, gasPrice
}

// Estimator 费用估算, 结果按 (链, 信封类型) 缓存, 并发未命中合并为一次 RPC
type Estimator struct {
	clients ClientSource
	cache   cache.Cache
	cfg     config.FeeConfig
	group   singleflight.Group
}

func NewEstimator(clients ClientSource, c cache.Cache, cfg config.FeeConfig) *Estimator {
	if cfg.HistoryBlocks == 0 {
		cfg.HistoryBlocks = 10
	}
	if cfg.LegacySampleBlocks <= 0 {
		cfg.LegacySampleBlocks = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Second
	}
	return &Estimator{clients: clients, cache: c, cfg: cfg}
}

func cacheKey(chainID uint64, t types.EnvelopeType) string {
	return fmt.Sprintf("gasfee:%d:%s", chainID, t)
}

// Estimate 返回费用建议. batch 信封与 feeMarket 使用同一套 EIP-1559 估算
func (e *Estimator) Estimate(ctx context.Context, chainID uint64, t types.EnvelopeType) (*FeeSuggestion, error) {
	key := cacheKey(chainID, t)
	var cached FeeSuggestion
	if err := e.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !cache.IsMiss(err) {
		logger.Warn("读取费用缓存失败", zap.String("key", key), zap.Error(err))
	}

	// 合并后的查询不跟随任何一个调用者取消, 每个调用者只等待自己的 ctx
	ch := e.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		s, err := e.fetch(fetchCtx, chainID, t)
		if err != nil {
			return nil, err
		}
		if err := e.cache.Set(fetchCtx, key, s, e.cfg.CacheTTL); err != nil {
			logger.Warn("写入费用缓存失败", zap.String("key", key), zap.Error(err))
		}
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*FeeSuggestion)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate 清除某条链的缓存
func (e *Estimator) Invalidate(ctx context.Context, chainID uint64) {
	for _, t := range []types.EnvelopeType{types.EnvelopeLegacy, types.EnvelopeFeeMarket, types.EnvelopeBatch} {
		_ = e.cache.Delete(ctx, cacheKey(chainID, t))
	}
}

func (e *Estimator) fetch(ctx context.Context, chainID uint64, t types.EnvelopeType) (*FeeSuggestion, error) {
	client, err := e.clients.Client(chainID)
	if err != nil {
		return nil, err
	}
	switch t {
	case types.EnvelopeFeeMarket, types.EnvelopeBatch:
		return e.fetchFeeMarket(ctx, client, chainID, t)
	case types.EnvelopeLegacy:
		return e.fetchLegacy(ctx, client, chainID)
	default:
		return nil, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("unknown envelope type %q", t))
	}
}

func (e *Estimator) fetchFeeMarket(ctx context.Context, client chain.Client, chainID uint64, t types.EnvelopeType) (*FeeSuggestion, error) {
	hist, err := client.FeeHistory(ctx, e.cfg.HistoryBlocks, nil, rewardPercentiles)
	if err != nil {
		return nil, fmt.Errorf("eth_feeHistory: %w", err)
	}
	if len(hist.BaseFee) == 0 {
		return nil, fmt.Errorf("eth_feeHistory: empty base fee")
	}
	// 最后一项是下一个区块的 base fee
	nextBase := hist.BaseFee[len(hist.BaseFee)-1]

	tips := make([]*big.Int, len(rewardPercentiles))
	for i := range rewardPercentiles {
		tips[i] = averageColumn(hist.Reward, i)
	}

	s := &FeeSuggestion{
		ChainID:      chainID,
		EnvelopeType: t,
		Low:          feeMarketLevel(nextBase, tips[0], lowBaseFeePercent),
		Medium:       feeMarketLevel(nextBase, tips[1], mediumBaseFeePercent),
		High:         feeMarketLevel(nextBase, tips[2], highBaseFeePercent),
		BaseFee:      new(big.Int).Set(nextBase),
		Source:       "feeHistory",
	}
	if hist.OldestBlock != nil {
		s.Block = hist.OldestBlock.Uint64() + uint64(len(hist.Reward))
	}
	return s, nil
}

func (e *Estimator) fetchLegacy(ctx context.Context, client chain.Client, chainID uint64) (*FeeSuggestion, error) {
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_blockNumber: %w", err)
	}

	var samples []*big.Int
	for i := 0; i < e.cfg.LegacySampleBlocks && uint64(i) <= head; i++ {
		block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(head-uint64(i)))
		if err != nil {
			logger.Debug("采样区块失败", zap.Uint64("chain_id", chainID), zap.Uint64("block", head-uint64(i)), zap.Error(err))
			continue
		}
		for _, tx := range block.Transactions() {
			if p := tx.GasPrice(); p != nil && p.Sign() > 0 {
				samples = append(samples, p)
			}
		}
	}

	s := &FeeSuggestion{ChainID: chainID, EnvelopeType: types.EnvelopeLegacy, Block: head}
	if len(samples) == 0 {
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("eth_gasPrice: %w", err)
		}
		s.Low = types.FeeParams{GasPrice: new(big.Int).Set(price)}
		s.Medium = types.FeeParams{GasPrice: new(big.Int).Set(price)}
		s.High = types.FeeParams{GasPrice: new(big.Int).Set(price)}
		s.Source = "gasPrice"
		return s, nil
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Cmp(samples[j]) < 0 })
	s.Low = types.FeeParams{GasPrice: percentile(samples, 10)}
	s.Medium = types.FeeParams{GasPrice: percentile(samples, 50)}
	s.High = types.FeeParams{GasPrice: percentile(samples, 90)}
	s.Source = "blockSamples"
	return s, nil
}

// feeMarketLevel maxFee = baseFee * percent / 100 (向上取整) + tip
func feeMarketLevel(baseFee, tip *big.Int, percent int64) types.FeeParams {
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(percent))
	maxFee.Add(maxFee, big.NewInt(99))
	maxFee.Div(maxFee, big.NewInt(100))
	maxFee.Add(maxFee, tip)
	return types.FeeParams{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: new(big.Int).Set(tip),
	}
}

func averageColumn(rows [][]*big.Int, col int) *big.Int {
	sum := new(big.Int)
	n := int64(0)
	for _, row := range rows {
		if col < len(row) && row[col] != nil {
			sum.Add(sum, row[col])
			n++
		}
	}
	if n == 0 {
		return sum
	}
	return sum.Div(sum, big.NewInt(n))
}

// percentile 输入已升序排列
func percentile(sorted []*big.Int, p int) *big.Int {
	idx := (len(sorted) - 1) * p / 100
	return new(big.Int).Set(sorted[idx])
}
