package upgrade

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/utils/lock"
	"wallet-txengine/pkg/wallet/types"
)

// DelegationPrefix EIP-7702 委托账户的代码前缀, 后接 20 字节委托合约地址
var DelegationPrefix = []byte{0xef, 0x01, 0x00}

type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionDeclined Decision = "declined"
)

// UpgradeDecision 某账户在某条链上的升级决定
type UpgradeDecision struct {
	Account    common.Address  `json:"account"`
	ChainID    uint64          `json:"chainId"`
	Decision   Decision        `json:"decision"`
	Delegation *common.Address `json:"delegation,omitempty"`
}

// Prompter 向用户询问是否升级账户
type Prompter interface {
	PromptUpgrade(ctx context.Context, account common.Address, chainID uint64, delegation common.Address) (bool, error)
}

// PrompterFunc 函数适配器
type PrompterFunc func(ctx context.Context, account common.Address, chainID uint64, delegation common.Address) (bool, error)

func (f PrompterFunc) PromptUpgrade(ctx context.Context, account common.Address, chainID uint64, delegation common.Address) (bool, error) {
	return f(ctx, account, chainID, delegation)
}

// ChainSource 提供 RPC 客户端和每条链配置的委托合约
type ChainSource interface {
	Client(chainID uint64) (chain.Client, error)
	Delegation(chainID uint64) (common.Address, bool)
}

// Manager 管理 EIP-7702 升级的需求判断和用户授权
type Manager struct {
	chains   ChainSource
	consents store.ConsentStore
	cache    cache.Cache
	cacheTTL time.Duration
	prompter Prompter
	locks    lock.KeyedMutex
}

func NewManager(chains ChainSource, consents store.ConsentStore, c cache.Cache) *Manager {
	return &Manager{
		chains:   chains,
		consents: consents,
		cache:    c,
		cacheTTL: time.Hour,
	}
}

// SetPrompter 注入询问方式, server 模式下通过审批队列询问
func (m *Manager) SetPrompter(p Prompter) {
	m.prompter = p
}

// IsDelegated 账户代码是否为 EIP-7702 委托指示
func IsDelegated(code []byte) bool {
	return len(code) == len(DelegationPrefix)+common.AddressLength && bytes.HasPrefix(code, DelegationPrefix)
}

// DelegationTarget 解析委托合约地址
func DelegationTarget(code []byte) (common.Address, bool) {
	if !IsDelegated(code) {
		return common.Address{}, false
	}
	return common.BytesToAddress(code[len(DelegationPrefix):]), true
}

// NeedsUpgrade 只有 batch 信封且账户仍是普通 EOA 时才需要升级
func (m *Manager) NeedsUpgrade(ctx context.Context, account common.Address, chainID uint64, t types.EnvelopeType) (bool, error) {
	if t != types.EnvelopeBatch {
		return false, nil
	}
	client, err := m.chains.Client(chainID)
	if err != nil {
		return false, err
	}
	code, err := client.CodeAt(ctx, account, nil)
	if err != nil {
		return false, fmt.Errorf("eth_getCode: %w", err)
	}
	switch {
	case len(code) == 0:
		return true, nil
	case IsDelegated(code):
		return false, nil
	default:
		return false, errno.ErrUnsupportedCapability.WithMessage(
			fmt.Sprintf("account %s is a contract and cannot be upgraded", account.Hex()))
	}
}

func cacheKey(account common.Address, chainID uint64) string {
	return fmt.Sprintf("upgrade:%d:%s", chainID, account.Hex())
}

// Decision 返回已记录的决定, 没有记录时返回 nil
func (m *Manager) Decision(ctx context.Context, account common.Address, chainID uint64) (*UpgradeDecision, error) {
	key := cacheKey(account, chainID)
	var d UpgradeDecision
	if err := m.cache.Get(ctx, key, &d); err == nil {
		return &d, nil
	}

	c, err := m.consents.LoadConsent(ctx, account, chainID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	d = UpgradeDecision{Account: account, ChainID: chainID, Decision: Decision(c.Decision), Delegation: c.Delegation}
	if err := m.cache.Set(ctx, key, d, m.cacheTTL); err != nil {
		logger.Warn("写入升级决定缓存失败", zap.String("key", key), zap.Error(err))
	}
	return &d, nil
}

// IsDeclined 用户是否在该链上拒绝过升级
func (m *Manager) IsDeclined(ctx context.Context, account common.Address, chainID uint64) (bool, error) {
	d, err := m.Decision(ctx, account, chainID)
	if err != nil {
		return false, err
	}
	return d != nil && d.Decision == DecisionDeclined, nil
}

// RecordDecision 持久化用户的决定, 覆盖旧记录
func (m *Manager) RecordDecision(ctx context.Context, account common.Address, chainID uint64, accepted bool) (*UpgradeDecision, error) {
	d := UpgradeDecision{Account: account, ChainID: chainID, Decision: DecisionDeclined}
	if accepted {
		delegation, ok := m.chains.Delegation(chainID)
		if !ok {
			return nil, errno.ErrUnsupportedCapability.WithMessage(fmt.Sprintf("no delegation contract configured for chain %d", chainID))
		}
		d.Decision = DecisionAccepted
		d.Delegation = &delegation
	}

	err := m.consents.SaveConsent(ctx, store.Consent{
		Account:    account,
		ChainID:    chainID,
		Decision:   string(d.Decision),
		Delegation: d.Delegation,
	})
	if err != nil {
		return nil, err
	}
	if err := m.cache.Set(ctx, cacheKey(account, chainID), d, m.cacheTTL); err != nil {
		logger.Warn("写入升级决定缓存失败", zap.Error(err))
	}

	logger.Info("upgrade decision recorded",
		zap.String("account", account.Hex()),
		zap.Uint64("chain_id", chainID),
		zap.String("decision", string(d.Decision)))
	return &d, nil
}

// RequestUpgrade 询问一次用户. 已有决定时直接返回, 同一账户的并发请求只询问一次
func (m *Manager) RequestUpgrade(ctx context.Context, account common.Address, chainID uint64) (*UpgradeDecision, error) {
	unlock := m.locks.Lock(cacheKey(account, chainID))
	defer unlock()

	existing, err := m.Decision(ctx, account, chainID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	delegation, ok := m.chains.Delegation(chainID)
	if !ok {
		return nil, errno.ErrUnsupportedCapability.WithMessage(fmt.Sprintf("no delegation contract configured for chain %d", chainID))
	}
	if m.prompter == nil {
		return nil, errno.ErrUnsupportedCapability.WithMessage("upgrade prompt is not available")
	}

	accepted, err := m.prompter.PromptUpgrade(ctx, account, chainID, delegation)
	if err != nil {
		return nil, err
	}
	return m.RecordDecision(ctx, account, chainID, accepted)
}
