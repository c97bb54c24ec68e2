package gasfee

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/chain/chaintest"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

const gwei = 1_000_000_000

func newEstimator(t *testing.T) (*Estimator, *chaintest.FakeClient) {
	t.Helper()
	fake := chaintest.NewFakeClient(1)
	reg := chain.NewRegistry()
	reg.Register(config.ChainConfig{ChainID: 1, EIP1559: true}, fake)
	cfg := config.FeeConfig{
		HistoryBlocks:      10,
		LegacySampleBlocks: 3,
		CacheTTL:           time.Minute,
		QuoteStaleBlocks:   20,
	}
	return NewEstimator(reg, cache.NewMemoryCache(time.Minute, time.Minute), cfg), fake
}

func TestEstimateFeeMarket(t *testing.T) {
	e, fake := newEstimator(t)
	ctx := context.Background()

	s, err := e.Estimate(ctx, 1, types.EnvelopeFeeMarket)
	require.NoError(t, err)
	assert.Equal(t, "feeHistory", s.Source)

	tests := []struct {
		name         string
		level        types.FeeParams
		wantMaxFee   int64
		wantPriority int64
	}{
		{"low", s.Low, 11*gwei + 1*gwei, 1 * gwei},
		{"medium", s.Medium, 12*gwei + 2*gwei, 2 * gwei},
		{"high", s.High, 12_500_000_000 + 3*gwei, 3 * gwei},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMaxFee, tt.level.MaxFeePerGas.Int64())
			assert.Equal(t, tt.wantPriority, tt.level.MaxPriorityFeePerGas.Int64())
			assert.Nil(t, tt.level.GasPrice)
		})
	}

	// 第二次命中缓存
	_, err = e.Estimate(ctx, 1, types.EnvelopeFeeMarket)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.FeeHistoryCalls.Load())

	e.Invalidate(ctx, 1)
	_, err = e.Estimate(ctx, 1, types.EnvelopeFeeMarket)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.FeeHistoryCalls.Load())
}

func TestEstimateConcurrentCallsShareResult(t *testing.T) {
	e, _ := newEstimator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*FeeSuggestion, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := e.Estimate(ctx, 1, types.EnvelopeBatch)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, results[0].Medium.MaxFeePerGas, s.Medium.MaxFeePerGas)
	}
}

// slowFeeHistory 阻塞 eth_feeHistory 直到 release 被关闭
type slowFeeHistory struct {
	*chaintest.FakeClient
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   int
	mu      sync.Mutex
}

func (s *slowFeeHistory) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, percentiles []float64) (*ethereum.FeeHistory, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.FakeClient.FeeHistory(ctx, blockCount, lastBlock, percentiles)
}

func TestEstimateFirstCallerCancelDoesNotFailOthers(t *testing.T) {
	slow := &slowFeeHistory{
		FakeClient: chaintest.NewFakeClient(1),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	reg := chain.NewRegistry()
	reg.Register(config.ChainConfig{ChainID: 1, EIP1559: true}, slow)
	e := NewEstimator(reg, cache.NewMemoryCache(time.Minute, time.Minute), config.FeeConfig{CacheTTL: time.Minute})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.Estimate(first, 1, types.EnvelopeFeeMarket)
		firstErr <- err
	}()
	<-slow.entered

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	second := make(chan error, 1)
	go func() {
		s, err := e.Estimate(context.Background(), 1, types.EnvelopeFeeMarket)
		if err == nil && s.Source != "feeHistory" {
			err = errors.New("unexpected source " + s.Source)
		}
		second <- err
	}()
	close(slow.release)
	require.NoError(t, <-second)

	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.Equal(t, 1, slow.calls)
}

func TestEstimateLegacy(t *testing.T) {
	t.Run("block samples", func(t *testing.T) {
		e, fake := newEstimator(t)
		var txs []*gethtypes.Transaction
		for i := int64(1); i <= 10; i++ {
			txs = append(txs, gethtypes.NewTx(&gethtypes.LegacyTx{Nonce: uint64(i), GasPrice: big.NewInt(i * gwei), Gas: 21000}))
		}
		fake.SetBlockTxs(100, txs)

		s, err := e.Estimate(context.Background(), 1, types.EnvelopeLegacy)
		require.NoError(t, err)
		assert.Equal(t, "blockSamples", s.Source)
		assert.Equal(t, int64(1*gwei), s.Low.GasPrice.Int64())
		assert.Equal(t, int64(5*gwei), s.Medium.GasPrice.Int64())
		assert.Equal(t, int64(9*gwei), s.High.GasPrice.Int64())
	})

	t.Run("fallback to eth_gasPrice", func(t *testing.T) {
		e, _ := newEstimator(t)
		s, err := e.Estimate(context.Background(), 1, types.EnvelopeLegacy)
		require.NoError(t, err)
		assert.Equal(t, "gasPrice", s.Source)
		assert.Equal(t, int64(20*gwei), s.Medium.GasPrice.Int64())
	})
}

func TestEstimateErrors(t *testing.T) {
	e, fake := newEstimator(t)
	_, err := e.Estimate(context.Background(), 5, types.EnvelopeFeeMarket)
	assert.ErrorIs(t, err, errno.ErrUnsupportedChain)

	fake.FeeHistErr = errors.New("method not found")
	_, err = e.Estimate(context.Background(), 1, types.EnvelopeFeeMarket)
	assert.Error(t, err)
}

func TestConvertToToken(t *testing.T) {
	e, _ := newEstimator(t)
	usdc := common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	rate := big.NewInt(3000_000_000) // 1 ETH = 3000 USDC

	tests := []struct {
		name       string
		native     *big.Int
		quoteBlock uint64
		want       int64
		wantErr    error
	}{
		{"exact", big.NewInt(1_000_000_000_000_000), 95, 3_000_000, nil},
		{"rounds up", big.NewInt(1), 95, 1, nil},
		{"at stale boundary", big.NewInt(1_000_000_000_000_000), 80, 3_000_000, nil},
		{"stale quote", big.NewInt(1_000_000_000_000_000), 79, 0, errno.ErrQuoteStale},
		{"negative fee", big.NewInt(-1), 95, 0, errno.ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ConvertToToken(context.Background(), 1, tt.native, TokenQuote{
				Token: usdc, Symbol: "USDC", Decimals: 6, RateWei: rate, QuoteBlock: tt.quoteBlock,
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Amount.Int64())
		})
	}

	amount := TokenAmount{Amount: big.NewInt(3_000_000), Decimals: 6}
	assert.Equal(t, "3", amount.Display())
}

func TestConvertRoundTripWithinTolerance(t *testing.T) {
	rate := big.NewInt(2500_000_000)
	native := big.NewInt(4_200_000_000_000_000)
	local := ConvertAmount(native, rate)

	// 中继使用同一汇率时必须在容差内
	assert.NoError(t, VerifyQuote(local, new(big.Int).Set(local), 100))
}

func TestVerifyQuote(t *testing.T) {
	tests := []struct {
		name  string
		local int64
		relay int64
		bps   int64
		ok    bool
	}{
		{"equal", 10_000, 10_000, 100, true},
		{"at tolerance", 10_000, 10_100, 100, true},
		{"above tolerance", 10_000, 10_101, 100, false},
		{"below tolerance", 10_000, 9_899, 100, false},
		{"zero tolerance", 10_000, 10_001, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyQuote(big.NewInt(tt.local), big.NewInt(tt.relay), tt.bps)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errno.ErrQuoteStale)
			}
		})
	}
}
