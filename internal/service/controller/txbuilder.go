package controller

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

// 委托合约的批量执行入口: execute((address,uint256,bytes)[])
const executeABIJSON = `[{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}],"outputs":[]}]`

const (
	// 取消交易固定使用 0x5208
	cancelGasLimit uint64 = 21000
	// EIP-7702 每个授权的固定开销
	authorizationGas uint64 = 25000
	// 批量调用中每一项的额外余量, eth_estimateGas 在未委托的账户上估不出子调用
	perCallGas uint64 = 35000
)

var executeABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(executeABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse execute abi: %v", err))
	}
	executeABI = parsed
}

type executeCall struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// encodeExecute 编码批量调用
func encodeExecute(calls []types.BatchCall) ([]byte, error) {
	args := make([]executeCall, len(calls))
	for i, c := range calls {
		v := c.Value
		if v == nil {
			v = new(big.Int)
		}
		args[i] = executeCall{To: c.To, Value: v, Data: c.Data}
	}
	return executeABI.Pack("execute", args)
}

// estimateGas 未指定 gas 时调用 eth_estimateGas
func (c *Controller) estimateGas(ctx context.Context, m *types.TransactionMeta) (uint64, error) {
	client, err := c.chains.Client(m.ChainID)
	if err != nil {
		return 0, err
	}
	msg := ethereum.CallMsg{From: m.Params.From}

	switch env := m.Envelope.(type) {
	case types.BatchEnvelope:
		data, err := encodeExecute(env.Calls)
		if err != nil {
			return 0, errno.ErrInvalidParams.WithMessage(err.Error())
		}
		self := m.Params.From
		msg.To = &self
		msg.Data = data
		gas, err := client.EstimateGas(ctx, msg)
		if err != nil {
			return 0, fmt.Errorf("eth_estimateGas: %w", err)
		}
		gas += uint64(len(env.Calls)) * perCallGas
		if env.Delegation != nil {
			gas += authorizationGas
		}
		return gas, nil
	default:
		msg.To = m.Params.To
		msg.Value = m.Params.Value
		msg.Data = m.Params.Data
		gas, err := client.EstimateGas(ctx, msg)
		if err != nil {
			return 0, fmt.Errorf("eth_estimateGas: %w", err)
		}
		return gas, nil
	}
}

func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("value %s overflows uint256", v))
	}
	return out, nil
}

// buildTx 按信封类型构造未签名交易, 需要已分配 nonce 和费用
func (c *Controller) buildTx(ctx context.Context, m *types.TransactionMeta) (*gethtypes.Transaction, error) {
	n, ok := m.Nonce()
	if !ok {
		return nil, errno.ErrNonceState.WithMessage("nonce not assigned")
	}
	if m.Envelope == nil || !m.Envelope.HasFees() {
		return nil, errno.ErrInvalidParams.WithMessage("fees not set")
	}
	chainID := new(big.Int).SetUint64(m.ChainID)
	value := m.Params.Value
	if value == nil {
		value = new(big.Int)
	}

	switch env := m.Envelope.(type) {
	case types.LegacyEnvelope:
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    n,
			GasPrice: env.GasPrice,
			Gas:      m.Params.Gas,
			To:       m.Params.To,
			Value:    value,
			Data:     m.Params.Data,
		}), nil

	case types.FeeMarketEnvelope:
		return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     n,
			GasTipCap: env.MaxPriorityFeePerGas,
			GasFeeCap: env.MaxFeePerGas,
			Gas:       m.Params.Gas,
			To:        m.Params.To,
			Value:     value,
			Data:      m.Params.Data,
		}), nil

	case types.BatchEnvelope:
		data, err := encodeExecute(env.Calls)
		if err != nil {
			return nil, errno.ErrInvalidParams.WithMessage(err.Error())
		}
		self := m.Params.From
		if env.Delegation == nil {
			// 账户已经委托, 普通 1559 交易调用自身
			return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
				ChainID:   chainID,
				Nonce:     n,
				GasTipCap: env.MaxPriorityFeePerGas,
				GasFeeCap: env.MaxFeePerGas,
				Gas:       m.Params.Gas,
				To:        &self,
				Value:     new(big.Int),
				Data:      data,
			}), nil
		}

		// 升级与第一批调用合并: 发送方就是授权方, 授权 nonce 为交易 nonce + 1
		auth, err := c.signAuthorization(ctx, m.Params.From, m.ChainID, *env.Delegation, n+1)
		if err != nil {
			return nil, err
		}
		tip, err := toU256(env.MaxPriorityFeePerGas)
		if err != nil {
			return nil, err
		}
		feeCap, err := toU256(env.MaxFeePerGas)
		if err != nil {
			return nil, err
		}
		return gethtypes.NewTx(&gethtypes.SetCodeTx{
			ChainID:   uint256.NewInt(m.ChainID),
			Nonce:     n,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       m.Params.Gas,
			To:        self,
			Value:     new(uint256.Int),
			Data:      data,
			AuthList:  []gethtypes.SetCodeAuthorization{auth},
		}), nil

	default:
		return nil, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("unknown envelope %T", m.Envelope))
	}
}

// signAuthorization 通过 keyring 签 EIP-7702 授权
func (c *Controller) signAuthorization(ctx context.Context, from common.Address, chainID uint64, delegation common.Address, authNonce uint64) (gethtypes.SetCodeAuthorization, error) {
	auth := gethtypes.SetCodeAuthorization{
		ChainID: *uint256.NewInt(chainID),
		Address: delegation,
		Nonce:   authNonce,
	}
	hash := auth.SigHash()
	sig, err := c.keyring.SignHash(ctx, from, hash.Bytes())
	if err != nil {
		return auth, fmt.Errorf("sign authorization: %w", err)
	}
	if len(sig) != 65 {
		return auth, fmt.Errorf("sign authorization: unexpected signature length %d", len(sig))
	}
	auth.R.SetBytes(sig[:32])
	auth.S.SetBytes(sig[32:64])
	auth.V = sig[64]
	return auth, nil
}

// signTx 构造并签名, 返回已签名交易
func (c *Controller) signTx(ctx context.Context, m *types.TransactionMeta) (*gethtypes.Transaction, error) {
	tx, err := c.buildTx(ctx, m)
	if err != nil {
		return nil, err
	}
	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(m.ChainID))
	sig, err := c.keyring.SignHash(ctx, m.Params.From, signer.Hash(tx).Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("attach signature: %w", err)
	}
	return signed, nil
}

// nativeFeeCap 最大原生币手续费: gas * (maxFeePerGas 或 gasPrice)
func nativeFeeCap(m *types.TransactionMeta) *big.Int {
	f := m.Envelope.Fees()
	price := f.MaxFeePerGas
	if price == nil {
		price = f.GasPrice
	}
	if price == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(m.Params.Gas))
}
