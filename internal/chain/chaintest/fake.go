// Package chaintest 提供内存中的链客户端, 供各服务的单元测试使用
package chaintest

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type FakeClient struct {
	mu sync.Mutex

	ID       *big.Int
	Head     uint64
	Nonces   map[common.Address]uint64
	Code     map[common.Address][]byte
	Receipts map[common.Hash]*types.Receipt
	Blocks   map[uint64]*types.Block
	Sent     []*types.Transaction

	GasPrice   *big.Int
	BaseFee    *big.Int
	Rewards    [3]*big.Int // p10, p50, p90
	GasLimit   uint64
	FeeHistErr error

	// SendErr 返回非 nil 时 SendTransaction 失败
	SendErr func(tx *types.Transaction) error

	FeeHistoryCalls atomic.Int64
	ReceiptCalls    atomic.Int64
}

func NewFakeClient(chainID uint64) *FakeClient {
	return &FakeClient{
		ID:       new(big.Int).SetUint64(chainID),
		Head:     100,
		Nonces:   make(map[common.Address]uint64),
		Code:     make(map[common.Address][]byte),
		Receipts: make(map[common.Hash]*types.Receipt),
		Blocks:   make(map[uint64]*types.Block),
		GasPrice: big.NewInt(20_000_000_000),
		BaseFee:  big.NewInt(10_000_000_000),
		Rewards:  [3]*big.Int{big.NewInt(1_000_000_000), big.NewInt(2_000_000_000), big.NewInt(3_000_000_000)},
		GasLimit: 21000,
	}
}

func (f *FakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.ID), nil
}

func (f *FakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, nil
}

func (f *FakeClient) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonces[account], nil
}

func (f *FakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.NonceAt(ctx, account, nil)
}

func (f *FakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		if err := f.SendErr(tx); err != nil {
			return err
		}
	}
	f.Sent = append(f.Sent, tx)
	return nil
}

func (f *FakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.ReceiptCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *FakeClient) FeeHistory(_ context.Context, blockCount uint64, _ *big.Int, percentiles []float64) (*ethereum.FeeHistory, error) {
	f.FeeHistoryCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FeeHistErr != nil {
		return nil, f.FeeHistErr
	}
	h := &ethereum.FeeHistory{OldestBlock: new(big.Int).SetUint64(f.Head - blockCount + 1)}
	for i := uint64(0); i < blockCount; i++ {
		row := make([]*big.Int, len(percentiles))
		for j := range percentiles {
			row[j] = new(big.Int).Set(f.Rewards[j%3])
		}
		h.Reward = append(h.Reward, row)
		h.BaseFee = append(h.BaseFee, new(big.Int).Set(f.BaseFee))
		h.GasUsedRatio = append(h.GasUsedRatio, 0.5)
	}
	// 最后一项是下一个区块的 base fee
	h.BaseFee = append(h.BaseFee, new(big.Int).Set(f.BaseFee))
	return h, nil
}

func (f *FakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeClient) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.Head
	if number != nil {
		n = number.Uint64()
	}
	if b, ok := f.Blocks[n]; ok {
		return b, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(n)}), nil
}

func (f *FakeClient) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Code[account], nil
}

func (f *FakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.GasLimit, nil
}

// SetNonce 设置账户的链上交易数
func (f *FakeClient) SetNonce(account common.Address, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Nonces[account] = n
}

// SetHead 设置最新区块高度
func (f *FakeClient) SetHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Head = n
}

// SetBlockTxs 设置某个区块包含的交易, 供 legacy gas price 采样
func (f *FakeClient) SetBlockTxs(n uint64, txs []*types.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header := &types.Header{Number: new(big.Int).SetUint64(n)}
	f.Blocks[n] = types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}

// Mine 为交易生成 receipt, 并把发送方的 nonce 推进到 tx.Nonce()+1
func (f *FakeClient) Mine(tx *types.Transaction, from common.Address, status uint64, gasUsed uint64) *types.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Head++
	r := &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     gasUsed,
		BlockNumber: new(big.Int).SetUint64(f.Head),
	}
	f.Receipts[tx.Hash()] = r
	if f.Nonces[from] < tx.Nonce()+1 {
		f.Nonces[from] = tx.Nonce() + 1
	}
	return r
}

// LastSent 返回最后一笔广播的交易
func (f *FakeClient) LastSent() *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sent) == 0 {
		return nil
	}
	return f.Sent[len(f.Sent)-1]
}

// SentCount 返回已广播的交易数
func (f *FakeClient) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
