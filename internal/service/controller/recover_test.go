package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wallet-txengine/internal/service/relay"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

// force 绕过状态机直接改写存储中的记录, 模拟进程在中途退出
func (h *harness) force(id string, fn func(m *types.TransactionMeta)) {
	h.t.Helper()
	ctx := context.Background()
	m, err := h.store.Get(ctx, id)
	require.NoError(h.t, err)
	fn(m)
	require.NoError(h.t, h.store.Save(ctx, m))
}

func TestBoot(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	// signed: 签名后退出, 还没有广播
	signed := h.submitted(1)
	h.force(signed.ID, func(m *types.TransactionMeta) {
		m.Status = types.StatusSigned
		m.SubmitPath = ""
		m.SubmittedAt = time.Time{}
	})
	// approved: 签名过程中退出
	approved := h.create(h.transfer(1))
	h.force(approved.ID, func(m *types.TransactionMeta) {
		n := uint64(1)
		m.Status = types.StatusApproved
		m.Params.Nonce = &n
	})
	// submitted
	submitted := h.submitted(10)
	// unapproved, 按创建顺序恢复
	first := h.create(h.transfer(1))
	second := h.create(h.transfer(10))
	h.force(second.ID, func(m *types.TransactionMeta) { m.CreatedAt = first.CreatedAt.Add(time.Second) })

	sentBefore := h.fake.SentCount()
	c := h.newController()
	res, err := c.Boot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, 2, res.Tracked)
	assert.Equal(t, 2, res.Requeued)

	got, err := c.Get(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "possibly stuck during signing")

	got, err = c.Get(ctx, signed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, types.PathDirect, got.SubmitPath)
	assert.False(t, got.SubmittedAt.IsZero())
	assert.Equal(t, sentBefore+1, h.fake.SentCount())

	assert.Equal(t, []uint64{0}, c.nonces.Held(h.from, 1))
	assert.Equal(t, []uint64{0}, c.nonces.Held(h.from, 10))

	pending := c.Queue().Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	// 恢复后的交易照常对账
	h.fake10.Mine(h.fake10.LastSent(), h.from, 1, 21000)
	_, err = c.Poll(ctx, 10)
	require.NoError(t, err)
	got, err = c.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status)

	// 新分配的 nonce 跳过已广播的
	require.NoError(t, c.Approve(ctx, first.ID))
	got, err = c.Get(ctx, first.ID)
	require.NoError(t, err)
	n, _ := got.Nonce()
	assert.Equal(t, uint64(1), n)
}

func TestBootRearmsRelayTasks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
	h.relay.On("Submit", mock.Anything, mock.Anything).Return(&relay.Handle{UUID: "uuid-boot"}, nil)
	h.relay.On("PollStatus", mock.Anything, "uuid-boot").Return(&relay.Status{UUID: "uuid-boot", Status: relay.StatusCancelled}, nil).Once()

	meta := h.sponsored()
	require.NoError(t, h.c.Approve(ctx, meta.ID))

	c := h.newController()
	res, err := c.Boot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RelayArmed)

	pr, err := c.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pr.RelayPolled)
	assert.Equal(t, 1, pr.Dropped)
	got, err := c.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDropped, got.Status)
	h.relay.AssertExpectations(t)
}

func TestCapabilities(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
	h.relay.On("Capabilities", mock.Anything, uint64(10)).Return(&relay.Capabilities{ChainID: 10, Relay: true}, nil)
	h.relay.On("Capabilities", mock.Anything, uint64(56)).Return(nil, errors.New("network not supported"))

	caps, err := h.c.Capabilities(ctx, h.from, []uint64{1, 10, 56})
	require.NoError(t, err)
	require.Contains(t, caps, "0x1")
	assert.Equal(t, "ready", caps["0x1"].Atomic.Status)
	require.NotNil(t, caps["0x1"].AlternateGasFees)
	assert.True(t, caps["0x1"].AlternateGasFees.Supported)
	assert.Equal(t, "ready", caps["0xa"].Atomic.Status)
	assert.Nil(t, caps["0xa"].AlternateGasFees)
	assert.NotContains(t, caps, "0x38")

	// 拒绝升级后不再报告 atomic, 已委托时为 supported
	_, err = h.c.RecordUpgradeDecision(ctx, h.from, 10, false)
	require.NoError(t, err)
	h.fake.Code[h.from] = append([]byte{0xef, 0x01, 0x00}, delegation.Bytes()...)
	caps, err = h.c.Capabilities(ctx, h.from, []uint64{1, 10})
	require.NoError(t, err)
	assert.Equal(t, "supported", caps["0x1"].Atomic.Status)
	assert.NotContains(t, caps, "0xa")

	_, err = h.c.Capabilities(ctx, h.from, []uint64{999})
	assert.ErrorIs(t, err, errno.ErrUnsupportedChain)
}

func TestGetCallsStatus(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.c.GetCallsStatus(ctx, "missing")
	assert.ErrorIs(t, err, errno.ErrTxNotFound)

	meta := h.create(h.transfer(1))
	tests := []struct {
		name   string
		mutate func(m *types.TransactionMeta)
		want   int
	}{
		{"unapproved", func(m *types.TransactionMeta) {}, CallsStatusPending},
		{"submitted", func(m *types.TransactionMeta) { m.Status = types.StatusSubmitted }, CallsStatusPending},
		{"rejected", func(m *types.TransactionMeta) { m.Status = types.StatusRejected }, CallsStatusOffchainFailure},
		{"failed before chain", func(m *types.TransactionMeta) { m.Status = types.StatusFailed }, CallsStatusOffchainFailure},
		{"dropped", func(m *types.TransactionMeta) { m.Status = types.StatusDropped }, CallsStatusReverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.force(meta.ID, func(m *types.TransactionMeta) {
				m.Status = types.StatusUnapproved
				tt.mutate(m)
			})
			st, err := h.c.GetCallsStatus(ctx, meta.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Status)
			assert.False(t, st.Atomic)
			assert.Empty(t, st.Receipts)
		})
	}
}
