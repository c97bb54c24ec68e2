package controller

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"wallet-txengine/internal/service/upgrade"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// EIP-5792 wallet_getCallsStatus 状态码
const (
	CallsStatusPending         = 100
	CallsStatusConfirmed       = 200
	CallsStatusOffchainFailure = 400
	CallsStatusReverted        = 500
)

const callsStatusVersion = "2.0.0"

// 替换链最多跟随的层数
const maxReplacementDepth = 16

type CallReceipt struct {
	Status          hexutil.Uint64 `json:"status"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	TransactionHash common.Hash    `json:"transactionHash"`
}

// CallsStatus wallet_getCallsStatus 的返回
type CallsStatus struct {
	Version  string         `json:"version"`
	ID       string         `json:"id"`
	ChainID  hexutil.Uint64 `json:"chainId"`
	Atomic   bool           `json:"atomic"`
	Status   int            `json:"status"`
	Receipts []CallReceipt  `json:"receipts,omitempty"`
}

// GetCallsStatus 按 id 返回调用状态. 被加速或取消替换的交易跟随到替换交易
func (c *Controller) GetCallsStatus(ctx context.Context, id string) (*CallsStatus, error) {
	meta, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := 0; i < maxReplacementDepth && meta.Status == types.StatusDropped && meta.ReplacedBy != ""; i++ {
		next, err := c.store.Get(ctx, meta.ReplacedBy)
		if err != nil {
			break
		}
		meta = next
	}

	out := &CallsStatus{
		Version: callsStatusVersion,
		ID:      id,
		ChainID: hexutil.Uint64(meta.ChainID),
		Atomic:  meta.EnvelopeType() == types.EnvelopeBatch,
	}
	switch meta.Status {
	case types.StatusConfirmed:
		out.Status = CallsStatusConfirmed
	case types.StatusFailed:
		if meta.Hash != nil && meta.GasUsed != nil {
			out.Status = CallsStatusReverted
		} else {
			out.Status = CallsStatusOffchainFailure
		}
	case types.StatusRejected:
		out.Status = CallsStatusOffchainFailure
	case types.StatusDropped:
		out.Status = CallsStatusReverted
	default:
		out.Status = CallsStatusPending
	}

	if meta.Hash != nil && meta.BlockNumber != nil {
		r := CallReceipt{
			BlockNumber:     hexutil.Uint64(*meta.BlockNumber),
			TransactionHash: *meta.Hash,
		}
		if meta.Status == types.StatusConfirmed {
			r.Status = 1
		}
		if meta.GasUsed != nil {
			r.GasUsed = hexutil.Uint64(*meta.GasUsed)
		}
		out.Receipts = []CallReceipt{r}
	}
	return out, nil
}

type CapabilityStatus struct {
	Status string `json:"status"`
}

type SupportedCapability struct {
	Supported bool `json:"supported"`
}

// ChainCapabilities wallet_getCapabilities 中单条链的能力
type ChainCapabilities struct {
	Atomic           *CapabilityStatus    `json:"atomic,omitempty"`
	AlternateGasFees *SupportedCapability `json:"alternateGasFees,omitempty"`
}

// Capabilities 返回账户在各链上的能力, key 为 0x 开头的 chain id.
// chainIDs 为空时返回所有已配置的链
func (c *Controller) Capabilities(ctx context.Context, account common.Address, chainIDs []uint64) (map[string]ChainCapabilities, error) {
	if !c.keyring.HasAccount(account) {
		return nil, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("unknown account %s", account.Hex()))
	}
	if len(chainIDs) == 0 {
		chainIDs = c.chains.ChainIDs()
	}

	out := make(map[string]ChainCapabilities, len(chainIDs))
	for _, chainID := range chainIDs {
		if _, ok := c.chains.Config(chainID); !ok {
			return nil, errno.ErrUnsupportedChain.WithMessage(fmt.Sprintf("chain %d is not configured", chainID))
		}
		caps := ChainCapabilities{}

		atomic, err := c.atomicStatus(ctx, account, chainID)
		if err != nil {
			return nil, err
		}
		if atomic != "" {
			caps.Atomic = &CapabilityStatus{Status: atomic}
		}

		if c.relay != nil {
			rc, err := c.relay.Capabilities(ctx, chainID)
			if err != nil {
				logger.Warn("relay capabilities unavailable", zap.Uint64("chain_id", chainID), zap.Error(err))
			} else if rc.GasFeeTokens {
				caps.AlternateGasFees = &SupportedCapability{Supported: true}
			}
		}

		if caps.Atomic != nil || caps.AlternateGasFees != nil {
			out[hexutil.EncodeUint64(chainID)] = caps
		}
	}
	return out, nil
}

// atomicStatus 已委托为 supported, 可升级为 ready, 拒绝过升级或无法升级时为空
func (c *Controller) atomicStatus(ctx context.Context, account common.Address, chainID uint64) (string, error) {
	if _, ok := c.chains.Delegation(chainID); !ok {
		return "", nil
	}
	client, err := c.chains.Client(chainID)
	if err != nil {
		return "", err
	}
	code, err := client.CodeAt(ctx, account, nil)
	if err != nil {
		return "", fmt.Errorf("eth_getCode: %w", err)
	}
	if upgrade.IsDelegated(code) {
		return "supported", nil
	}
	if len(code) > 0 {
		return "", nil
	}
	declined, err := c.upgrades.IsDeclined(ctx, account, chainID)
	if err != nil {
		return "", err
	}
	if declined {
		return "", nil
	}
	return "ready", nil
}
