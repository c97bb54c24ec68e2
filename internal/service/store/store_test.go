package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wallet-txengine/internal/model"
	"wallet-txengine/pkg/database"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.ConnectSQLite(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newMeta(id string, from common.Address, nonce uint64, status types.TxStatus, created time.Time) *types.TransactionMeta {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return &types.TransactionMeta{
		ID:      id,
		ChainID: 1,
		Origin:  "https://dapp.example",
		Params: types.TxParams{
			From:  from,
			To:    &to,
			Value: big.NewInt(1),
			Nonce: &nonce,
			Gas:   21000,
		},
		Envelope:  types.FeeMarketEnvelope{MaxFeePerGas: big.NewInt(30), MaxPriorityFeePerGas: big.NewInt(2)},
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestTxStores(t *testing.T) {
	stores := map[string]func(t *testing.T) TxStore{
		"gorm":   func(t *testing.T) TxStore { return NewGormStore(newTestDB(t)) },
		"memory": func(t *testing.T) TxStore { return NewMemoryStore() },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			from := common.HexToAddress("0x1111111111111111111111111111111111111111")
			other := common.HexToAddress("0x2222222222222222222222222222222222222222")
			now := time.Now().UTC().Truncate(time.Second)

			require.NoError(t, s.Save(ctx, newMeta("b", from, 1, types.StatusSubmitted, now.Add(time.Second))))
			require.NoError(t, s.Save(ctx, newMeta("a", from, 0, types.StatusConfirmed, now)))
			require.NoError(t, s.Save(ctx, newMeta("c", other, 0, types.StatusSubmitted, now.Add(2*time.Second))))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, types.StatusConfirmed, got.Status)
			assert.Equal(t, types.EnvelopeFeeMarket, got.EnvelopeType())
			assert.Equal(t, int64(30), got.Envelope.Fees().MaxFeePerGas.Int64())

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, errno.ErrTxNotFound)

			// 覆盖写
			got.Status = types.StatusDropped
			require.NoError(t, s.Save(ctx, got))
			again, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, types.StatusDropped, again.Status)

			list, err := s.List(ctx, Filter{ChainID: 1, From: &from})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID, "按创建时间升序")

			submitted, err := s.List(ctx, Filter{Statuses: []types.TxStatus{types.StatusSubmitted}})
			require.NoError(t, err)
			assert.Len(t, submitted, 2)

			n := uint64(1)
			byNonce, err := s.List(ctx, Filter{From: &from, Nonce: &n})
			require.NoError(t, err)
			require.Len(t, byNonce, 1)
			assert.Equal(t, "b", byNonce[0].ID)
		})
	}
}

func TestGormStoreWritesOutboxInSameTransaction(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewGormStore(db)
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")

	meta := newMeta("tx-1", from, 0, types.StatusSubmitted, time.Now())
	err := s.Save(ctx, meta, OutboxEvent{Topic: "t", Key: "tx-1", Payload: map[string]string{"status": "submitted"}})
	require.NoError(t, err)

	var msgs []model.OutboxMessage
	require.NoError(t, db.Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tx-1", msgs[0].Key)
	assert.Equal(t, model.OutboxPending, msgs[0].Status)
	assert.JSONEq(t, `{"status":"submitted"}`, string(msgs[0].Payload))
}

func TestNonceSnapshotStores(t *testing.T) {
	stores := map[string]NonceSnapshotStore{
		"gorm":   NewGormNonceStore(newTestDB(t)),
		"memory": NewMemoryNonceStore(),
	}
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			snap, err := s.LoadSnapshot(ctx, account, 1)
			require.NoError(t, err)
			assert.Nil(t, snap)

			high := uint64(7)
			require.NoError(t, s.SaveSnapshot(ctx, NonceSnapshot{Account: account, ChainID: 1, ChainNonce: 5, HighestHeld: &high, Held: []uint64{7, 5, 6}, SyncedAt: time.Now()}))
			require.NoError(t, s.SaveSnapshot(ctx, NonceSnapshot{Account: account, ChainID: 1, ChainNonce: 6, HighestHeld: &high, Held: []uint64{6, 7}, SyncedAt: time.Now()}))

			snap, err = s.LoadSnapshot(ctx, account, 1)
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.Equal(t, uint64(6), snap.ChainNonce)
			assert.ElementsMatch(t, []uint64{6, 7}, snap.Held)
		})
	}
}

func TestConsentStores(t *testing.T) {
	stores := map[string]ConsentStore{
		"gorm":   NewGormConsentStore(newTestDB(t)),
		"memory": NewMemoryConsentStore(),
	}
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegation := common.HexToAddress("0x63c0c19a282a1b52b07dd5a65b58948a07dae32b")

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveConsent(ctx, Consent{Account: account, ChainID: 1, Decision: "declined"}))
			require.NoError(t, s.SaveConsent(ctx, Consent{Account: account, ChainID: 1, Decision: "accepted", Delegation: &delegation}))

			c, err := s.LoadConsent(ctx, account, 1)
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, "accepted", c.Decision)
			assert.Equal(t, delegation, *c.Delegation)

			none, err := s.LoadConsent(ctx, account, 137)
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}
