package service

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wallet-txengine/internal/service/nonce"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/monitor"
	"wallet-txengine/pkg/utils/lock"
	"wallet-txengine/pkg/wallet/types"
)

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) Accounts() []nonce.AccountKey {
	return m.Called().Get(0).([]nonce.AccountKey)
}

func (m *mockSweeper) Resync(ctx context.Context, account common.Address, chainID uint64) (*nonce.ResyncResult, error) {
	args := m.Called(ctx, account, chainID)
	res, _ := args.Get(0).(*nonce.ResyncResult)
	return res, args.Error(1)
}

type purgeRecorder struct {
	calls  int
	before time.Time
}

func (p *purgeRecorder) PurgeSent(_ context.Context, before time.Time) (int64, error) {
	p.calls++
	p.before = before
	return 3, nil
}

func TestSweepNoncesResyncsEveryAccount(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	sweeper := new(mockSweeper)
	sweeper.On("Accounts").Return([]nonce.AccountKey{{Account: a, ChainID: 1}, {Account: b, ChainID: 10}})
	sweeper.On("Resync", mock.Anything, a, uint64(1)).Return(&nonce.ResyncResult{}, nil)
	sweeper.On("Resync", mock.Anything, b, uint64(10)).Return(nil, errors.New("rpc down"))

	s := NewCronService(HousekeepingDeps{Nonces: sweeper}, "", 0)
	s.withLock(lockNonceSweep, s.SweepNonces)
	sweeper.AssertExpectations(t)
}

func TestHousekeepingSkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLock()
	ok, err := locker.Acquire(context.Background(), lockOutboxPurge, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	purger := &purgeRecorder{}
	s := NewCronService(HousekeepingDeps{Outbox: purger, Locker: locker}, "@every 1m", time.Second)
	s.withLock(lockOutboxPurge, s.PurgeOutbox)
	assert.Zero(t, purger.calls)

	require.NoError(t, locker.Release(context.Background(), lockOutboxPurge))
	s.withLock(lockOutboxPurge, s.PurgeOutbox)
	assert.Equal(t, 1, purger.calls)
	assert.WithinDuration(t, time.Now().Add(-outboxRetention), purger.before, time.Minute)

	// 任务结束后锁已释放
	ok, err = locker.Acquire(context.Background(), lockOutboxPurge, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReportStuckCountsFlaggedTransactions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	for i, stuck := range []bool{true, false, true} {
		n := uint64(i)
		require.NoError(t, st.Save(ctx, &types.TransactionMeta{
			ID:       string(rune('a' + i)),
			ChainID:  1,
			Params:   types.TxParams{From: from, Value: big.NewInt(0), Nonce: &n},
			Envelope: types.LegacyEnvelope{},
			Status:   types.StatusSubmitted,
			Stuck:    stuck,
		}))
	}

	metrics := &monitor.BusinessMetrics{
		StuckTransactions: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_stuck"}, []string{"chain"}),
	}
	s := NewCronService(HousekeepingDeps{
		Store:    st,
		ChainIDs: func() []uint64 { return []uint64{1, 10} },
		Metrics:  metrics,
	}, "", 0)
	s.ReportStuck(ctx)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StuckTransactions.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.StuckTransactions.WithLabelValues("10")))
}

func TestCronServiceRejectsBadSpec(t *testing.T) {
	s := NewCronService(HousekeepingDeps{}, "not a spec", 0)
	assert.Error(t, s.Start())
}
