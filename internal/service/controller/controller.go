package controller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/event"
	"wallet-txengine/internal/service/gasfee"
	"wallet-txengine/internal/service/nonce"
	"wallet-txengine/internal/service/queue"
	"wallet-txengine/internal/service/relay"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/internal/service/upgrade"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/kms"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/monitor"
	"wallet-txengine/pkg/utils/lock"
	"wallet-txengine/pkg/wallet/types"
)

// ChainSource 链客户端和链配置, *chain.Registry 满足
type ChainSource interface {
	Client(chainID uint64) (chain.Client, error)
	Config(chainID uint64) (config.ChainConfig, bool)
	Delegation(chainID uint64) (common.Address, bool)
	ChainIDs() []uint64
}

// RelaySubmitter 中继客户端, *relay.Client 满足
type RelaySubmitter interface {
	Provider() string
	Capabilities(ctx context.Context, chainID uint64) (*relay.Capabilities, error)
	Submit(ctx context.Context, req relay.SubmitRequest) (*relay.Handle, error)
	PollStatus(ctx context.Context, uuid string) (*relay.Status, error)
	Simulate(ctx context.Context, req relay.SimulationRequest) (*relay.SimulationResult, error)
	Cancel(ctx context.Context, uuid string) error
}

// Deps 控制器依赖的组件. Relay 为 nil 时所有交易直接广播
type Deps struct {
	Store    store.TxStore
	Chains   ChainSource
	Nonces   *nonce.Tracker
	Fees     *gasfee.Estimator
	Relay    RelaySubmitter
	Upgrades *upgrade.Manager
	Queue    *queue.Queue
	Keyring  kms.Keyring
	Metrics  *monitor.BusinessMetrics
}

type Options struct {
	Fee   config.FeeConfig
	Relay config.RelayConfig
	Poll  config.PollConfig
}

// Controller 交易状态机的唯一写入方.
// 所有状态迁移都在 (账户, 链) 锁内做 CAS, 锁内不做外部 I/O.
type Controller struct {
	store    store.TxStore
	chains   ChainSource
	nonces   *nonce.Tracker
	fees     *gasfee.Estimator
	relay    RelaySubmitter
	upgrades *upgrade.Manager
	queue    *queue.Queue
	keyring  kms.Keyring
	metrics  *monitor.BusinessMetrics
	opts     Options

	locks     lock.KeyedMutex
	pollLocks lock.KeyedMutex // 每条链同时只有一轮 poll
	hub       *Hub

	relayTasks sync.Map // tx id -> *relayTask
	dropWatch  sync.Map // tx id -> *dropState

	now func() time.Time
}

func New(deps Deps, opts Options) *Controller {
	if opts.Fee.MinBumpPercent <= 0 {
		opts.Fee.MinBumpPercent = 10
	}
	if opts.Fee.QuoteToleranceBps <= 0 {
		opts.Fee.QuoteToleranceBps = 100
	}
	if opts.Poll.DroppedBlockCount <= 0 {
		opts.Poll.DroppedBlockCount = 3
	}
	if opts.Poll.MaxBlockDistance == 0 {
		opts.Poll.MaxBlockDistance = 50
	}
	if opts.Poll.Workers <= 0 {
		opts.Poll.Workers = 8
	}
	if opts.Relay.BackoffBase <= 0 {
		opts.Relay.BackoffBase = 2 * time.Second
	}
	if opts.Relay.BackoffMax < opts.Relay.BackoffBase {
		opts.Relay.BackoffMax = opts.Relay.BackoffBase
	}
	if opts.Relay.StuckAfter <= 0 {
		opts.Relay.StuckAfter = 5 * time.Minute
	}

	c := &Controller{
		store:    deps.Store,
		chains:   deps.Chains,
		nonces:   deps.Nonces,
		fees:     deps.Fees,
		relay:    deps.Relay,
		upgrades: deps.Upgrades,
		queue:    deps.Queue,
		keyring:  deps.Keyring,
		metrics:  deps.Metrics,
		opts:     opts,
		hub:      NewHub(),
		now:      time.Now,
	}

	c.nonces.SetInFlightFunc(c.inFlightNonces)
	if c.upgrades != nil {
		c.upgrades.SetPrompter(c)
	}
	c.queue.OnHeadChange(c.onQueueHead)
	return c
}

// CreateRequest 新交易请求
type CreateRequest struct {
	ChainID      uint64             `json:"chainId"`
	Origin       string             `json:"origin"`
	Params       types.TxParams     `json:"txParams"`
	EnvelopeType types.EnvelopeType `json:"envelopeType,omitempty"` // 为空时按链配置选择
	Calls        []types.BatchCall  `json:"calls,omitempty"`
	Fees         *types.FeeParams   `json:"fees,omitempty"`
	Sponsored    bool               `json:"sponsored,omitempty"`
}

// CreateTransaction 校验请求, 创建 unapproved 记录并放入审批队列
func (c *Controller) CreateTransaction(ctx context.Context, req CreateRequest) (*types.TransactionMeta, error) {
	// 1. 链和账户
	cfg, ok := c.chains.Config(req.ChainID)
	if !ok {
		return nil, errno.ErrUnsupportedChain.WithMessage(fmt.Sprintf("chain %d is not configured", req.ChainID))
	}
	if !c.keyring.HasAccount(req.Params.From) {
		return nil, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("unknown from address %s", req.Params.From.Hex()))
	}

	// 2. 信封
	envType := req.EnvelopeType
	if envType == "" {
		envType = types.EnvelopeLegacy
		if cfg.EIP1559 {
			envType = types.EnvelopeFeeMarket
		}
	}
	if envType != types.EnvelopeLegacy && !cfg.EIP1559 {
		return nil, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("chain %d does not support %s envelopes", req.ChainID, envType))
	}
	if err := validateParams(envType, req); err != nil {
		return nil, err
	}
	env, err := types.NewEnvelope(envType, req.Calls)
	if err != nil {
		return nil, errno.ErrInvalidParams.WithMessage(err.Error())
	}
	if req.Fees != nil {
		env = env.WithFees(*req.Fees)
	}

	// 3. 用户在该链拒绝过升级时, batch 在受理阶段失败
	if envType == types.EnvelopeBatch {
		declined, err := c.upgrades.IsDeclined(ctx, req.Params.From, req.ChainID)
		if err != nil {
			return nil, err
		}
		if declined {
			return nil, errno.ErrUpgradeDeclined.WithMessage(
				fmt.Sprintf("account %s declined the upgrade on chain %d", req.Params.From.Hex(), req.ChainID))
		}
	}

	now := c.now()
	params := req.Params
	params.Nonce = nil
	if params.Value == nil {
		params.Value = new(big.Int)
	}
	meta := &types.TransactionMeta{
		ID:        uuid.NewString(),
		ChainID:   req.ChainID,
		Origin:    req.Origin,
		Params:    params,
		Envelope:  env,
		Status:    types.StatusUnapproved,
		Sponsored: req.Sponsored,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 4. 持久化后入队
	if err := c.store.Save(ctx, meta, c.statusEvent(meta, "")); err != nil {
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	c.metrics.ObserveTransition(meta.ChainID, string(meta.Status))
	c.hub.publishTx(meta, "")
	if err := c.enqueue(meta); err != nil {
		return nil, err
	}

	logger.Info("transaction created",
		zap.String("tx_id", meta.ID),
		zap.Uint64("chain_id", meta.ChainID),
		zap.String("origin", meta.Origin),
		zap.String("from", meta.Params.From.Hex()),
		zap.String("envelope", string(envType)))
	return meta.Clone(), nil
}

func validateParams(envType types.EnvelopeType, req CreateRequest) error {
	p := req.Params
	if p.Value != nil && p.Value.Sign() < 0 {
		return errno.ErrInvalidParams.WithMessage("value must be non-negative")
	}
	if req.Sponsored && envType == types.EnvelopeLegacy {
		return errno.ErrInvalidParams.WithMessage("sponsorship requires a fee-market or batch envelope")
	}
	if req.Fees != nil {
		f := req.Fees
		if envType == types.EnvelopeLegacy && (f.GasPrice == nil || f.GasPrice.Sign() <= 0) {
			return errno.ErrInvalidParams.WithMessage("legacy fees require a positive gasPrice")
		}
		if envType != types.EnvelopeLegacy {
			if f.MaxFeePerGas == nil || f.MaxPriorityFeePerGas == nil {
				return errno.ErrInvalidParams.WithMessage("fee-market fees require maxFeePerGas and maxPriorityFeePerGas")
			}
			if f.MaxPriorityFeePerGas.Cmp(f.MaxFeePerGas) > 0 {
				return errno.ErrInvalidParams.WithMessage("maxPriorityFeePerGas exceeds maxFeePerGas")
			}
		}
	}

	if envType == types.EnvelopeBatch {
		if len(req.Calls) == 0 {
			return errno.ErrInvalidParams.WithMessage("batch requires at least one call")
		}
		if p.To != nil || len(p.Data) > 0 || (p.Value != nil && p.Value.Sign() > 0) {
			return errno.ErrInvalidParams.WithMessage("batch params must not set to, value or data; use calls")
		}
		for i, call := range req.Calls {
			if call.Value != nil && call.Value.Sign() < 0 {
				return errno.ErrInvalidParams.WithMessage(fmt.Sprintf("call %d: value must be non-negative", i))
			}
		}
		return nil
	}

	if len(req.Calls) > 0 {
		return errno.ErrInvalidParams.WithMessage("calls are only valid for batch envelopes")
	}
	if p.To == nil && len(p.Data) == 0 {
		return errno.ErrInvalidParams.WithMessage("contract creation requires data")
	}
	return nil
}

// Get 按 id 查询
func (c *Controller) Get(ctx context.Context, id string) (*types.TransactionMeta, error) {
	return c.store.Get(ctx, id)
}

// List 按条件查询, 创建时间升序
func (c *Controller) List(ctx context.Context, f store.Filter) ([]*types.TransactionMeta, error) {
	return c.store.List(ctx, f)
}

// Hub 订阅中心
func (c *Controller) Hub() *Hub {
	return c.hub
}

// Queue 审批队列
func (c *Controller) Queue() *queue.Queue {
	return c.queue
}

// Subscribe 订阅单笔交易的状态变化
func (c *Controller) Subscribe(txID string) *Subscription {
	return c.hub.Subscribe(txID)
}

// SubscribeAll 订阅所有交易的状态变化
func (c *Controller) SubscribeAll() *Subscription {
	return c.hub.SubscribeAll()
}

// SubscribeQueue 订阅审批队列头部变化
func (c *Controller) SubscribeQueue() *Subscription {
	return c.hub.SubscribeQueue()
}

func accountKey(m *types.TransactionMeta) string {
	return fmt.Sprintf("%s:%d", m.Params.From.Hex(), m.ChainID)
}

// apply 在 (账户, 链) 锁内读取最新记录并执行 fn.
// fn 修改 Status 时按迁移表校验, 非法迁移返回 InvalidTransition 且不写入.
func (c *Controller) apply(ctx context.Context, id string, fn func(m *types.TransactionMeta) error) (*types.TransactionMeta, error) {
	current, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(accountKey(current))
	meta, err := c.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	prev := meta.Status
	if err := fn(meta); err != nil {
		unlock()
		return nil, err
	}
	changed := meta.Status != prev
	if changed && !prev.CanTransition(meta.Status) {
		unlock()
		return nil, errno.ErrInvalidTransition.WithMessage(fmt.Sprintf("%s -> %s is not allowed", prev, meta.Status))
	}
	meta.UpdatedAt = c.now()

	var events []store.OutboxEvent
	if changed {
		events = append(events, c.statusEvent(meta, prev))
	}
	if err := c.store.Save(ctx, meta, events...); err != nil {
		unlock()
		return nil, errno.ErrDatabase.WithMessage(err.Error())
	}
	unlock()

	if changed {
		c.metrics.ObserveTransition(meta.ChainID, string(meta.Status))
		c.hub.publishTx(meta, prev)
		if meta.Status.IsTerminal() {
			c.cancelRelayTask(meta.ID)
			c.dropWatch.Delete(meta.ID)
		}
		logger.Info("transaction status changed",
			zap.String("tx_id", meta.ID),
			zap.Uint64("chain_id", meta.ChainID),
			zap.String("from", string(prev)),
			zap.String("to", string(meta.Status)))
	}
	return meta, nil
}

// expect 状态不在 allowed 中时返回 InvalidTransition
func expect(m *types.TransactionMeta, allowed ...types.TxStatus) error {
	for _, s := range allowed {
		if m.Status == s {
			return nil
		}
	}
	return errno.ErrInvalidTransition.WithMessage(fmt.Sprintf("transaction %s is %s", m.ID, m.Status))
}

func txError(err error) *types.TxError {
	code, msg := errno.Decode(err)
	return &types.TxError{Code: code, Name: errno.Name(err), Message: msg}
}

func gasPaidWith(m *types.TransactionMeta) string {
	switch {
	case m.Sponsored:
		return "sponsored"
	case m.GasFeeToken != nil:
		return m.GasFeeToken.Symbol
	default:
		return "native"
	}
}

func (c *Controller) statusEvent(m *types.TransactionMeta, prev types.TxStatus) store.OutboxEvent {
	ev := event.TxStatusChangedEvent{
		TxID:        m.ID,
		ChainID:     m.ChainID,
		From:        m.Params.From.Hex(),
		Nonce:       m.Params.Nonce,
		PrevStatus:  string(prev),
		Status:      string(m.Status),
		SubmitPath:  string(m.SubmitPath),
		ReplacedBy:  m.ReplacedBy,
		GasPaidWith: gasPaidWith(m),
		OccurredAt:  c.now(),
	}
	if m.Hash != nil {
		ev.Hash = m.Hash.Hex()
	}
	if m.Error != nil {
		ev.ErrorName = m.Error.Name
	}
	return store.OutboxEvent{Topic: event.TopicTxStatus, Key: m.ID, Payload: ev}
}

// inFlightNonces 供 nonce resync 判断哪些已广播的 nonce 仍在途
func (c *Controller) inFlightNonces(ctx context.Context, account common.Address, chainID uint64) (map[uint64]bool, error) {
	metas, err := c.store.List(ctx, store.Filter{
		ChainID:  chainID,
		From:     &account,
		Statuses: []types.TxStatus{types.StatusSigned, types.StatusSubmitted},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]bool, len(metas))
	for _, m := range metas {
		if n, ok := m.Nonce(); ok {
			out[n] = true
		}
	}
	return out, nil
}

func (c *Controller) resync(ctx context.Context, account common.Address, chainID uint64) {
	if _, err := c.nonces.Resync(ctx, account, chainID); err != nil {
		logger.Warn("nonce resync failed",
			zap.String("account", account.Hex()),
			zap.Uint64("chain_id", chainID),
			zap.Error(err))
	}
}

func (c *Controller) releaseNonce(m *types.TransactionMeta, n uint64) {
	if err := c.nonces.Release(m.Params.From, m.ChainID, n); err != nil && !errors.Is(err, errno.ErrNonceState) {
		logger.Warn("release nonce failed", zap.String("tx_id", m.ID), zap.Uint64("nonce", n), zap.Error(err))
	}
}
