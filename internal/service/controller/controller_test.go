package controller

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/chain/chaintest"
	"wallet-txengine/internal/service/gasfee"
	"wallet-txengine/internal/service/nonce"
	"wallet-txengine/internal/service/queue"
	"wallet-txengine/internal/service/relay"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/internal/service/upgrade"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/kms"
	"wallet-txengine/pkg/wallet/types"
)

var (
	delegation = common.HexToAddress("0x63c0c19a282a1b52b07dd5a65b58948a07dae32b")
	recipient  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdc       = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
)

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) Provider() string { return "test-relay" }

func (m *mockRelay) Capabilities(ctx context.Context, chainID uint64) (*relay.Capabilities, error) {
	args := m.Called(ctx, chainID)
	caps, _ := args.Get(0).(*relay.Capabilities)
	return caps, args.Error(1)
}

func (m *mockRelay) Submit(ctx context.Context, req relay.SubmitRequest) (*relay.Handle, error) {
	args := m.Called(ctx, req)
	h, _ := args.Get(0).(*relay.Handle)
	return h, args.Error(1)
}

func (m *mockRelay) PollStatus(ctx context.Context, uuid string) (*relay.Status, error) {
	args := m.Called(ctx, uuid)
	st, _ := args.Get(0).(*relay.Status)
	return st, args.Error(1)
}

func (m *mockRelay) Simulate(ctx context.Context, req relay.SimulationRequest) (*relay.SimulationResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*relay.SimulationResult)
	return res, args.Error(1)
}

func (m *mockRelay) Cancel(ctx context.Context, uuid string) error {
	return m.Called(ctx, uuid).Error(0)
}

// rpcError 节点返回的 JSON-RPC 错误
type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

type harness struct {
	t        *testing.T
	c        *Controller
	reg      *chain.Registry
	fake     *chaintest.FakeClient // chain 1, 配置了委托合约
	fake10   *chaintest.FakeClient // chain 10, 配置了委托合约
	legacy   *chaintest.FakeClient // chain 56, 不支持 1559
	store    *store.MemoryStore
	keyring  *kms.LocalKMS
	consents *store.MemoryConsentStore
	relay    *mockRelay
	from     common.Address
}

func newHarness(t *testing.T, withRelay bool) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		reg:      chain.NewRegistry(),
		fake:     chaintest.NewFakeClient(1),
		fake10:   chaintest.NewFakeClient(10),
		legacy:   chaintest.NewFakeClient(56),
		store:    store.NewMemoryStore(),
		keyring:  kms.NewLocalKMS(),
		consents: store.NewMemoryConsentStore(),
	}
	h.reg.Register(config.ChainConfig{ChainID: 1, EIP1559: true, DelegationAddress: delegation.Hex()}, h.fake)
	h.reg.Register(config.ChainConfig{ChainID: 10, EIP1559: true, DelegationAddress: delegation.Hex()}, h.fake10)
	h.reg.Register(config.ChainConfig{ChainID: 56}, h.legacy)

	from, err := h.keyring.CreateKey()
	require.NoError(t, err)
	h.from = from

	if withRelay {
		h.relay = new(mockRelay)
	}
	h.c = h.newController()
	return h
}

// newController 在同一份存储和链上构造新的控制器, 模拟进程重启
func (h *harness) newController() *Controller {
	deps := Deps{
		Store:    h.store,
		Chains:   h.reg,
		Nonces:   nonce.NewTracker(h.reg, store.NewMemoryNonceStore(), nil),
		Fees:     gasfee.NewEstimator(h.reg, cache.NewMemoryCache(time.Minute, time.Minute), config.FeeConfig{QuoteStaleBlocks: 5}),
		Upgrades: upgrade.NewManager(h.reg, h.consents, cache.NewMemoryCache(time.Minute, time.Minute)),
		Queue:    queue.New(),
		Keyring:  h.keyring,
	}
	if h.relay != nil {
		deps.Relay = h.relay
	}
	return New(deps, Options{
		Relay: config.RelayConfig{BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond, StuckAfter: time.Hour},
	})
}

func (h *harness) transfer(chainID uint64) CreateRequest {
	to := recipient
	return CreateRequest{
		ChainID: chainID,
		Origin:  "https://app.example",
		Params:  types.TxParams{From: h.from, To: &to, Value: big.NewInt(1_000)},
	}
}

func (h *harness) create(req CreateRequest) *types.TransactionMeta {
	h.t.Helper()
	meta, err := h.c.CreateTransaction(context.Background(), req)
	require.NoError(h.t, err)
	return meta
}

func (h *harness) get(id string) *types.TransactionMeta {
	h.t.Helper()
	meta, err := h.c.Get(context.Background(), id)
	require.NoError(h.t, err)
	return meta
}

// submitted 创建并批准一笔普通转账, 返回 submitted 状态的记录
func (h *harness) submitted(chainID uint64) *types.TransactionMeta {
	h.t.Helper()
	meta := h.create(h.transfer(chainID))
	require.NoError(h.t, h.c.Approve(context.Background(), meta.ID))
	out := h.get(meta.ID)
	require.Equal(h.t, types.StatusSubmitted, out.Status)
	return out
}

func assertBig(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.NotNil(t, got)
	assert.Zero(t, want.Cmp(got), "want %s, got %s", want, got)
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev := <-s.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestCreateTransaction(t *testing.T) {
	h := newHarness(t, false)
	unknown := common.HexToAddress("0x9999999999999999999999999999999999999999")
	to := recipient

	tests := []struct {
		name     string
		req      CreateRequest
		wantType types.EnvelopeType
		wantErr  error
	}{
		{"fee market by default", h.transfer(1), types.EnvelopeFeeMarket, nil},
		{"legacy chain", h.transfer(56), types.EnvelopeLegacy, nil},
		{"unknown chain", h.transfer(999), "", errno.ErrUnsupportedChain},
		{"unknown account", CreateRequest{ChainID: 1, Params: types.TxParams{From: unknown, To: &to}}, "", errno.ErrInvalidParams},
		{"negative value", CreateRequest{ChainID: 1, Params: types.TxParams{From: h.from, To: &to, Value: big.NewInt(-1)}}, "", errno.ErrInvalidParams},
		{"create without data", CreateRequest{ChainID: 1, Params: types.TxParams{From: h.from}}, "", errno.ErrInvalidParams},
		{"fee market on legacy chain", CreateRequest{ChainID: 56, EnvelopeType: types.EnvelopeFeeMarket, Params: types.TxParams{From: h.from, To: &to}}, "", errno.ErrInvalidParams},
		{"sponsored legacy", CreateRequest{ChainID: 56, Sponsored: true, Params: types.TxParams{From: h.from, To: &to}}, "", errno.ErrInvalidParams},
		{"empty batch", CreateRequest{ChainID: 1, EnvelopeType: types.EnvelopeBatch, Params: types.TxParams{From: h.from}}, "", errno.ErrInvalidParams},
		{"batch with to", CreateRequest{ChainID: 1, EnvelopeType: types.EnvelopeBatch, Params: types.TxParams{From: h.from, To: &to}, Calls: []types.BatchCall{{To: to}}}, "", errno.ErrInvalidParams},
		{"calls on fee market", CreateRequest{ChainID: 1, Params: types.TxParams{From: h.from, To: &to}, Calls: []types.BatchCall{{To: to}}}, "", errno.ErrInvalidParams},
		{"priority above max", CreateRequest{ChainID: 1, Params: types.TxParams{From: h.from, To: &to}, Fees: &types.FeeParams{MaxFeePerGas: big.NewInt(1), MaxPriorityFeePerGas: big.NewInt(2)}}, "", errno.ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := h.c.CreateTransaction(context.Background(), tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusUnapproved, meta.Status)
			assert.Equal(t, tt.wantType, meta.EnvelopeType())
			assert.Nil(t, meta.Params.Nonce)
			_, queued := h.c.Queue().Get(meta.ID)
			assert.True(t, queued)
		})
	}
}

func TestApproveSubmitsDirect(t *testing.T) {
	h := newHarness(t, false)
	meta := h.submitted(1)

	n, ok := meta.Nonce()
	require.True(t, ok)
	assert.Equal(t, uint64(0), n)
	assert.Equal(t, types.PathDirect, meta.SubmitPath)
	assert.Equal(t, uint64(21000), meta.Params.Gas)
	assert.Equal(t, uint64(100), meta.SubmittedBlock)
	require.NotNil(t, meta.Hash)

	sent := h.fake.LastSent()
	require.NotNil(t, sent)
	assert.Equal(t, *meta.Hash, sent.Hash())
	assert.Equal(t, uint8(gethtypes.DynamicFeeTxType), sent.Type())
	// medium: base fee 10 gwei * 120% + p50 tip 2 gwei
	assertBig(t, big.NewInt(14_000_000_000), sent.GasFeeCap())
	assertBig(t, big.NewInt(2_000_000_000), sent.GasTipCap())

	signer := gethtypes.LatestSignerForChainID(big.NewInt(1))
	sender, err := gethtypes.Sender(signer, sent)
	require.NoError(t, err)
	assert.Equal(t, h.from, sender)

	assert.Equal(t, []uint64{0}, h.c.nonces.Held(h.from, 1))
}

func TestApproveLegacy(t *testing.T) {
	h := newHarness(t, false)
	meta := h.submitted(56)

	sent := h.legacy.LastSent()
	require.NotNil(t, sent)
	assert.Equal(t, uint8(gethtypes.LegacyTxType), sent.Type())
	assertBig(t, big.NewInt(20_000_000_000), sent.GasPrice())
	assert.Equal(t, types.EnvelopeLegacy, meta.EnvelopeType())
}

func TestRejectReleasesQueueEntry(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	meta := h.create(h.transfer(1))

	require.NoError(t, h.c.Reject(ctx, meta.ID))
	assert.Equal(t, types.StatusRejected, h.get(meta.ID).Status)
	_, queued := h.c.Queue().Get(meta.ID)
	assert.False(t, queued)

	assert.ErrorIs(t, h.c.Approve(ctx, meta.ID), errno.ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Reject(ctx, meta.ID), errno.ErrInvalidTransition)
	assert.Equal(t, 0, h.fake.SentCount())
}

func TestConcurrentApproveAssignsUniqueNonces(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	const n = 12

	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.create(h.transfer(1)).ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = h.c.Approve(ctx, id)
		}(i, id)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i, id := range ids {
		require.NoError(t, errs[i])
		meta := h.get(id)
		require.Equal(t, types.StatusSubmitted, meta.Status)
		nonce, ok := meta.Nonce()
		require.True(t, ok)
		assert.False(t, seen[nonce], "nonce %d assigned twice", nonce)
		seen[nonce] = true
	}
	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[i], "nonce %d missing", i)
	}
	assert.Equal(t, n, h.fake.SentCount())
}

func TestApproveTwiceFirstWins(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	meta := h.create(h.transfer(1))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.c.Approve(ctx, meta.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, errno.ErrInvalidTransition)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.fake.SentCount())
}

func TestBroadcastErrorBeforeMempool(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	tests := []struct {
		name    string
		sendErr error
		resync  bool
	}{
		{"node rejected", rpcError{code: -32000, msg: "insufficient funds for gas * price + value"}, false},
		{"nonce too low", rpcError{code: -32000, msg: "nonce too low"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.fake.SendErr = func(*gethtypes.Transaction) error { return tt.sendErr }
			meta := h.create(h.transfer(1))

			err := h.c.Approve(ctx, meta.ID)
			assert.ErrorIs(t, err, errno.ErrBroadcast)

			got := h.get(meta.ID)
			assert.Equal(t, types.StatusUnapproved, got.Status)
			assert.Nil(t, got.Params.Nonce)
			assert.Nil(t, got.Hash)
			require.NotNil(t, got.Error)
			assert.Equal(t, errno.ErrBroadcast.Code, got.Error.Code)
			assert.Empty(t, h.c.nonces.Held(h.from, 1))

			entry, queued := h.c.Queue().Get(meta.ID)
			require.True(t, queued)
			assert.Empty(t, entry.Resolution)

			// 再次批准时复用同一个 nonce
			h.fake.SendErr = nil
			require.NoError(t, h.c.Approve(ctx, meta.ID))
			got = h.get(meta.ID)
			assert.Equal(t, types.StatusSubmitted, got.Status)
			n, _ := got.Nonce()
			mined, _ := h.fake.NonceAt(ctx, h.from, nil)
			assert.Equal(t, mined, n)
			h.fake.Mine(h.fake.LastSent(), h.from, 1, 21000)
			_, err = h.c.Poll(ctx, 1)
			require.NoError(t, err)
		})
	}
}

func TestTransportErrorStillSubmitted(t *testing.T) {
	h := newHarness(t, false)
	h.fake.SendErr = func(*gethtypes.Transaction) error { return context.DeadlineExceeded }
	meta := h.create(h.transfer(1))

	require.NoError(t, h.c.Approve(context.Background(), meta.ID))
	got := h.get(meta.ID)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, errno.ErrBroadcast.Code, got.Error.Code)
}

func TestBatchUpgradeDeclinedIsPerChain(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.c.RecordUpgradeDecision(ctx, h.from, 1, false)
	require.NoError(t, err)

	batch := func(chainID uint64) CreateRequest {
		return CreateRequest{
			ChainID:      chainID,
			Origin:       "https://app.example",
			EnvelopeType: types.EnvelopeBatch,
			Params:       types.TxParams{From: h.from},
			Calls:        []types.BatchCall{{To: recipient, Value: big.NewInt(1)}},
		}
	}

	_, err = h.c.CreateTransaction(ctx, batch(1))
	assert.ErrorIs(t, err, errno.ErrUpgradeDeclined)

	// 其他链不受影响, 单笔交易也不受影响
	meta, err := h.c.CreateTransaction(ctx, batch(10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnapproved, meta.Status)
	h.create(h.transfer(1))
}

func TestBatchMergesUpgradeAuthorization(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.c.RecordUpgradeDecision(ctx, h.from, 10, true)
	require.NoError(t, err)

	meta := h.create(CreateRequest{
		ChainID:      10,
		EnvelopeType: types.EnvelopeBatch,
		Params:       types.TxParams{From: h.from},
		Calls: []types.BatchCall{
			{To: recipient, Value: big.NewInt(1)},
			{To: usdc, Data: []byte{0xa9, 0x05, 0x9c, 0xbb}},
		},
	})
	require.NoError(t, h.c.Approve(ctx, meta.ID))

	got := h.get(meta.ID)
	require.Equal(t, types.StatusSubmitted, got.Status)
	env, ok := got.Envelope.(types.BatchEnvelope)
	require.True(t, ok)
	require.NotNil(t, env.Delegation)
	assert.Equal(t, delegation, *env.Delegation)
	// estimate + 2 * perCallGas + authorizationGas
	assert.Equal(t, uint64(21000+2*35000+25000), got.Params.Gas)

	sent := h.fake10.LastSent()
	require.NotNil(t, sent)
	assert.Equal(t, uint8(gethtypes.SetCodeTxType), sent.Type())
	require.NotNil(t, sent.To())
	assert.Equal(t, h.from, *sent.To())
	auths := sent.SetCodeAuthorizations()
	require.Len(t, auths, 1)
	assert.Equal(t, delegation, auths[0].Address)
	assert.Equal(t, sent.Nonce()+1, auths[0].Nonce)
	authority, err := auths[0].Authority()
	require.NoError(t, err)
	assert.Equal(t, h.from, authority)
}

func TestBatchOnDelegatedAccount(t *testing.T) {
	h := newHarness(t, false)
	h.fake.Code[h.from] = append(append([]byte{}, upgrade.DelegationPrefix...), delegation.Bytes()...)

	meta := h.create(CreateRequest{
		ChainID:      1,
		EnvelopeType: types.EnvelopeBatch,
		Params:       types.TxParams{From: h.from},
		Calls:        []types.BatchCall{{To: recipient, Value: big.NewInt(1)}},
	})
	require.NoError(t, h.c.Approve(context.Background(), meta.ID))

	sent := h.fake.LastSent()
	require.NotNil(t, sent)
	assert.Equal(t, uint8(gethtypes.DynamicFeeTxType), sent.Type())
	assert.Equal(t, h.from, *sent.To())
	assert.Equal(t, uint64(21000+35000), sent.Gas())
}

func TestHubDeliversTransitionsInOrder(t *testing.T) {
	h := newHarness(t, false)
	meta := h.create(h.transfer(1))

	sub := h.c.Subscribe(meta.ID)
	defer sub.Close()
	all := h.c.SubscribeAll()
	defer all.Close()

	require.NoError(t, h.c.Approve(context.Background(), meta.ID))

	want := []types.TxStatus{types.StatusApproved, types.StatusSigned, types.StatusSubmitted}
	prev := types.StatusUnapproved
	for _, status := range want {
		ev := recv(t, sub)
		assert.Equal(t, EventTx, ev.Type)
		assert.Equal(t, status, ev.Tx.Status)
		assert.Equal(t, prev, ev.PrevStatus)
		prev = status
	}
	for range want {
		assert.Equal(t, meta.ID, recv(t, all).Tx.ID)
	}

	// outbox 与状态变化一一对应: created + 3 次迁移
	var count int
	for _, ev := range h.store.Events() {
		if ev.Key == meta.ID {
			count++
		}
	}
	assert.Equal(t, 4, count)
}

func TestQueueSubscriptionAndRejectAll(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	sub := h.c.SubscribeQueue()
	defer sub.Close()

	a := h.create(h.transfer(1))
	b := h.create(h.transfer(10))

	ev := recv(t, sub)
	assert.Equal(t, EventQueue, ev.Type)
	require.NotNil(t, ev.Queue)
	assert.Equal(t, a.ID, ev.Queue.EntryID)
	assert.Equal(t, 1, ev.Queue.Pending)

	ids, err := h.c.RejectAllPending(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	assert.Equal(t, types.StatusRejected, h.get(a.ID).Status)
	assert.Equal(t, types.StatusRejected, h.get(b.ID).Status)
	assert.Empty(t, h.c.Queue().Pending())
}

func TestResolveQueueEntryApprovesTransaction(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	meta := h.create(h.transfer(1))

	require.NoError(t, h.c.ResolveQueueEntry(ctx, meta.ID, queue.Approved))
	assert.Equal(t, types.StatusSubmitted, h.get(meta.ID).Status)
	assert.ErrorIs(t, h.c.ResolveQueueEntry(ctx, "missing", queue.Approved), errno.ErrInvalidParams)
}

func TestUpgradePromptThroughQueue(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.c.RequestAccountUpgrade(ctx, h.from, 1)
		done <- err
	}()

	var entry queue.Entry
	require.Eventually(t, func() bool {
		e, ok := h.c.Queue().Current()
		if ok && e.Kind == queue.KindUpgrade {
			entry = e
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, h.from, entry.Account)

	require.NoError(t, h.c.ResolveQueueEntry(ctx, entry.ID, queue.Rejected))
	require.NoError(t, <-done)

	d, err := h.c.UpgradeDecision(ctx, h.from, 1)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, upgrade.DecisionDeclined, d.Decision)
}

func TestApproveBatchUpgradeDeclinedIsFinal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	meta := h.create(CreateRequest{
		ChainID:      1,
		Origin:       "https://app.example",
		EnvelopeType: types.EnvelopeBatch,
		Params:       types.TxParams{From: h.from},
		Calls:        []types.BatchCall{{To: recipient, Value: big.NewInt(1)}},
	})

	done := make(chan error, 1)
	go func() { done <- h.c.Approve(ctx, meta.ID) }()

	var entry queue.Entry
	require.Eventually(t, func() bool {
		e, ok := h.c.Queue().Current()
		if ok && e.Kind == queue.KindUpgrade {
			entry = e
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.c.ResolveQueueEntry(ctx, entry.ID, queue.Rejected))

	err := <-done
	assert.ErrorIs(t, err, errno.ErrUpgradeDeclined)

	got := h.get(meta.ID)
	assert.Equal(t, types.StatusRejected, got.Status)
	assert.Nil(t, got.Params.Nonce)
	require.NotNil(t, got.Error)
	assert.Equal(t, errno.ErrUpgradeDeclined.Code, got.Error.Code)

	_, queued := h.c.Queue().Get(meta.ID)
	assert.False(t, queued)
	assert.Empty(t, h.c.Queue().Pending())
	assert.Zero(t, h.fake.SentCount())
	assert.ErrorIs(t, h.c.Approve(ctx, meta.ID), errno.ErrInvalidTransition)

	// nonce 已释放, 下一笔交易仍然使用 0
	next := h.submitted(1)
	require.NotNil(t, next.Params.Nonce)
	assert.Equal(t, uint64(0), *next.Params.Nonce)
}
