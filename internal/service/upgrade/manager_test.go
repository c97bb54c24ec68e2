package upgrade

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/chain/chaintest"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

var (
	account    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegation = common.HexToAddress("0x63c0c19a282a1b52b07dd5a65b58948a07dae32b")
)

func newManager(t *testing.T) (*Manager, *chaintest.FakeClient, *store.MemoryConsentStore) {
	t.Helper()
	fake := chaintest.NewFakeClient(1)
	reg := chain.NewRegistry()
	reg.Register(config.ChainConfig{ChainID: 1, DelegationAddress: delegation.Hex()}, fake)
	reg.Register(config.ChainConfig{ChainID: 10}, chaintest.NewFakeClient(10))
	consents := store.NewMemoryConsentStore()
	return NewManager(reg, consents, cache.NewMemoryCache(time.Minute, time.Minute)), fake, consents
}

func TestNeedsUpgrade(t *testing.T) {
	m, fake, _ := newManager(t)
	ctx := context.Background()
	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	delegated := common.HexToAddress("0x4444444444444444444444444444444444444444")
	fake.Code[contract] = []byte{0x60, 0x80, 0x60, 0x40}
	fake.Code[delegated] = append(append([]byte{}, DelegationPrefix...), delegation.Bytes()...)

	tests := []struct {
		name    string
		account common.Address
		envType types.EnvelopeType
		want    bool
		wantErr error
	}{
		{"plain eoa batch", account, types.EnvelopeBatch, true, nil},
		{"plain eoa fee market", account, types.EnvelopeFeeMarket, false, nil},
		{"delegated batch", delegated, types.EnvelopeBatch, false, nil},
		{"contract batch", contract, types.EnvelopeBatch, false, errno.ErrUnsupportedCapability},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.NeedsUpgrade(ctx, tt.account, 1, tt.envType)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	target, ok := DelegationTarget(fake.Code[delegated])
	assert.True(t, ok)
	assert.Equal(t, delegation, target)
}

func TestRequestUpgradePromptsOnce(t *testing.T) {
	m, _, consents := newManager(t)
	ctx := context.Background()

	var prompts atomic.Int64
	m.SetPrompter(PrompterFunc(func(_ context.Context, _ common.Address, _ uint64, d common.Address) (bool, error) {
		prompts.Add(1)
		assert.Equal(t, delegation, d)
		return true, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.RequestUpgrade(ctx, account, 1)
			assert.NoError(t, err)
			assert.Equal(t, DecisionAccepted, d.Decision)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), prompts.Load())

	c, err := consents.LoadConsent(ctx, account, 1)
	require.NoError(t, err)
	assert.Equal(t, "accepted", c.Decision)
	assert.Equal(t, delegation, *c.Delegation)
}

func TestDeclineIsScopedToChain(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	_, err := m.RecordDecision(ctx, account, 1, false)
	require.NoError(t, err)

	declined, err := m.IsDeclined(ctx, account, 1)
	require.NoError(t, err)
	assert.True(t, declined)

	declined, err = m.IsDeclined(ctx, account, 10)
	require.NoError(t, err)
	assert.False(t, declined)
}

func TestDecisionSurvivesCacheLoss(t *testing.T) {
	m, _, consents := newManager(t)
	ctx := context.Background()
	_, err := m.RecordDecision(ctx, account, 1, false)
	require.NoError(t, err)

	// 新实例共享持久化存储, 但缓存为空
	fresh := NewManager(m.chains, consents, cache.NewMemoryCache(time.Minute, time.Minute))
	d, err := fresh.Decision(ctx, account, 1)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, DecisionDeclined, d.Decision)
}

func TestRequestUpgradeWithoutDelegation(t *testing.T) {
	m, _, _ := newManager(t)
	m.SetPrompter(PrompterFunc(func(context.Context, common.Address, uint64, common.Address) (bool, error) {
		return true, nil
	}))
	_, err := m.RequestUpgrade(context.Background(), account, 10)
	assert.ErrorIs(t, err, errno.ErrUnsupportedCapability)
}
