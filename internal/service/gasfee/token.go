package gasfee

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"wallet-txengine/pkg/errno"
)

// TokenQuote 中继给出的 gas 代币报价
// RateWei: 1e18 wei 原生币可以换多少代币最小单位
type TokenQuote struct {
	Token        common.Address `json:"token"`
	Symbol       string         `json:"symbol"`
	Decimals     uint8          `json:"decimals"`
	RateWei      *big.Int       `json:"rateWei"`
	FeeRecipient common.Address `json:"feeRecipient"`
	QuoteBlock   uint64         `json:"quoteBlock"`
}

// TokenAmount 换算结果, Amount 为代币最小单位
type TokenAmount struct {
	Token      common.Address `json:"token"`
	Symbol     string         `json:"symbol"`
	Decimals   uint8          `json:"decimals"`
	Amount     *big.Int       `json:"amount"`
	QuoteBlock uint64         `json:"quoteBlock"`
}

// Display 按精度格式化, 例如 1.2345 USDC
func (a TokenAmount) Display() string {
	return decimal.NewFromBigInt(a.Amount, -int32(a.Decimals)).String()
}

// ConvertToToken 把原生币手续费换算成代币数量, 向上取整.
// 当前区块超过报价区块 QuoteStaleBlocks 以上时返回 QuoteStaleError.
func (e *Estimator) ConvertToToken(ctx context.Context, chainID uint64, nativeFeeWei *big.Int, q TokenQuote) (*TokenAmount, error) {
	if nativeFeeWei == nil || nativeFeeWei.Sign() < 0 {
		return nil, errno.ErrInvalidParams.WithMessage("native fee must be non-negative")
	}
	if q.RateWei == nil || q.RateWei.Sign() <= 0 {
		return nil, errno.ErrGasFeeTokenUnavailable.WithMessage(fmt.Sprintf("no rate for token %s", q.Token.Hex()))
	}

	client, err := e.clients.Client(chainID)
	if err != nil {
		return nil, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_blockNumber: %w", err)
	}
	if head > q.QuoteBlock+e.cfg.QuoteStaleBlocks {
		return nil, errno.ErrQuoteStale.WithMessage(
			fmt.Sprintf("quote from block %d is stale at block %d", q.QuoteBlock, head))
	}

	return &TokenAmount{
		Token:      q.Token,
		Symbol:     q.Symbol,
		Decimals:   q.Decimals,
		Amount:     ConvertAmount(nativeFeeWei, q.RateWei),
		QuoteBlock: q.QuoteBlock,
	}, nil
}

// ConvertAmount nativeFeeWei * rateWei / 1e18, 向上取整
func ConvertAmount(nativeFeeWei, rateWei *big.Int) *big.Int {
	fee := decimal.NewFromBigInt(nativeFeeWei, 0)
	rate := decimal.NewFromBigInt(rateWei, -18)
	return fee.Mul(rate).Ceil().BigInt()
}

// VerifyQuote 本地换算与中继给出的金额偏差超过 toleranceBps 时返回 QuoteStaleError
func VerifyQuote(local, relay *big.Int, toleranceBps int64) error {
	if local == nil || relay == nil {
		return errno.ErrQuoteStale.WithMessage("missing token amount")
	}
	diff := new(big.Int).Sub(local, relay)
	diff.Abs(diff)
	// diff / local > bps / 10000  <=>  diff * 10000 > local * bps
	lhs := new(big.Int).Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(local, big.NewInt(toleranceBps))
	if lhs.Cmp(rhs) > 0 {
		return errno.ErrQuoteStale.WithMessage(
			fmt.Sprintf("relay amount %s deviates from local %s by more than %d bps", relay, local, toleranceBps))
	}
	return nil
}
