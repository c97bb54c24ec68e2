package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
)

// Client 引擎用到的 JSON-RPC 子集, *ethclient.Client 直接满足
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

var _ Client = (*ethclient.Client)(nil)

// Registry 按 chain id 管理客户端
type Registry struct {
	mu      sync.RWMutex
	clients map[uint64]Client
	chains  map[uint64]config.ChainConfig
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[uint64]Client),
		chains:  make(map[uint64]config.ChainConfig),
	}
}

// Dial 为每条配置的链建立 RPC 连接, 并校验节点返回的 chain id
func Dial(ctx context.Context, chains []config.ChainConfig) (*Registry, error) {
	r := NewRegistry()
	for _, c := range chains {
		client, err := ethclient.DialContext(ctx, c.RpcUrl)
		if err != nil {
			return nil, fmt.Errorf("dial chain %d: %w", c.ChainID, err)
		}
		id, err := client.ChainID(ctx)
		if err != nil {
			logger.Warn("RPC 无法获取 chain id, 稍后重试", zap.Uint64("chain_id", c.ChainID), zap.Error(err))
		} else if id.Uint64() != c.ChainID {
			client.Close()
			return nil, fmt.Errorf("chain %d: rpc reports chain id %s", c.ChainID, id)
		}
		r.Register(c, client)
		logger.Info("Chain connected", zap.Uint64("chain_id", c.ChainID), zap.String("name", c.Name))
	}
	return r, nil
}

func (r *Registry) Register(c config.ChainConfig, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ChainID] = client
	r.chains[c.ChainID] = c
}

// Client 返回链客户端, 未配置的链返回 ErrUnsupportedChain
func (r *Registry) Client(chainID uint64) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[chainID]
	if !ok {
		return nil, errno.ErrUnsupportedChain.WithMessage(fmt.Sprintf("chain %d is not configured", chainID))
	}
	return c, nil
}

func (r *Registry) Config(chainID uint64) (config.ChainConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[chainID]
	return c, ok
}

// ChainIDs 返回所有已注册的链
func (r *Registry) ChainIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}

// Close 关闭底层连接
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if ec, ok := c.(*ethclient.Client); ok {
			ec.Close()
		}
	}
}

// Delegation 返回链上配置的 EIP-7702 委托合约
func (r *Registry) Delegation(chainID uint64) (common.Address, bool) {
	c, ok := r.Config(chainID)
	if !ok || !common.IsHexAddress(c.DelegationAddress) {
		return common.Address{}, false
	}
	return common.HexToAddress(c.DelegationAddress), true
}
