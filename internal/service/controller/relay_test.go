package controller

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wallet-txengine/internal/service/relay"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

var fullCaps = &relay.Capabilities{ChainID: 1, Relay: true, Sponsorship: true, GasFeeTokens: true, EIP7702: true}

func (h *harness) sponsored() *types.TransactionMeta {
	req := h.transfer(1)
	req.Sponsored = true
	return h.create(req)
}

func TestRelaySubmitAndConfirm(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
	h.relay.On("Submit", mock.Anything, mock.MatchedBy(func(req relay.SubmitRequest) bool {
		return req.ChainID == 1 && req.Sponsored && len(req.RawTxs) == 1
	})).Return(&relay.Handle{UUID: "uuid-1"}, nil).Once()
	h.relay.On("PollStatus", mock.Anything, "uuid-1").Return(&relay.Status{UUID: "uuid-1", Status: relay.StatusPending}, nil).Once()
	h.relay.On("PollStatus", mock.Anything, "uuid-1").Return(&relay.Status{UUID: "uuid-1", Status: relay.StatusSuccess}, nil).Once()

	meta := h.sponsored()
	require.NoError(t, h.c.Approve(ctx, meta.ID))

	got := h.get(meta.ID)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, types.PathRelay, got.SubmitPath)
	require.NotNil(t, got.Relay)
	assert.Equal(t, "uuid-1", got.Relay.UUID)
	assert.Equal(t, "test-relay", got.Relay.Provider)
	assert.Zero(t, h.fake.SentCount())

	res, err := h.c.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RelayPolled)
	assert.Equal(t, types.StatusSubmitted, h.get(meta.ID).Status)

	// 等待退避到期
	time.Sleep(5 * time.Millisecond)
	res, err = h.c.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	got = h.get(meta.ID)
	assert.Equal(t, types.StatusConfirmed, got.Status)
	assert.Equal(t, relay.StatusSuccess, got.Relay.LastStatus)

	// 终态后不再轮询
	res, err = h.c.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, res.RelayPolled)
	h.relay.AssertExpectations(t)
}

func TestRelaySubmitErrors(t *testing.T) {
	tests := []struct {
		name       string
		submitErr  error
		wantStatus types.TxStatus
	}{
		{"explicit rejection", errno.ErrRelayRejected.WithMessage("simulation reverted"), types.StatusFailed},
		{"server error", errors.New("relay: status 503"), types.StatusUnapproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			ctx := context.Background()
			h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
			h.relay.On("Submit", mock.Anything, mock.Anything).Return(nil, tt.submitErr)

			meta := h.sponsored()
			err := h.c.Approve(ctx, meta.ID)
			assert.ErrorIs(t, err, errno.ErrRelayRejected)

			got := h.get(meta.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			require.NotNil(t, got.Error)
			assert.Equal(t, "RelayRejected", got.Error.Name)
			assert.Empty(t, h.c.nonces.Held(h.from, 1))
			assert.Zero(t, h.fake.SentCount())

			_, queued := h.c.Queue().Get(meta.ID)
			assert.Equal(t, tt.wantStatus == types.StatusUnapproved, queued)

			st, err := h.c.GetCallsStatus(ctx, meta.ID)
			require.NoError(t, err)
			if tt.wantStatus == types.StatusFailed {
				assert.Equal(t, CallsStatusOffchainFailure, st.Status)
			} else {
				assert.Equal(t, CallsStatusPending, st.Status)
			}
		})
	}
}

func TestRelayPollFailure(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
	h.relay.On("Submit", mock.Anything, mock.Anything).Return(&relay.Handle{UUID: "uuid-2"}, nil)
	h.relay.On("PollStatus", mock.Anything, "uuid-2").Return(&relay.Status{UUID: "uuid-2", Status: relay.StatusFailed, Reason: "out of gas"}, nil)

	meta := h.sponsored()
	require.NoError(t, h.c.Approve(ctx, meta.ID))
	res, err := h.c.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := h.get(meta.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "out of gas", got.Error.Message)
}

func TestRelayMinedHash(t *testing.T) {
	mined := common.HexToHash("0xabc1")
	tests := []struct {
		name       string
		concurrent bool // 轮询期间记录已经进入终态
		wantStatus types.TxStatus
	}{
		{"recorded on submitted", false, types.StatusSubmitted},
		{"terminal record untouched", true, types.StatusConfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			ctx := context.Background()
			h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
			h.relay.On("Submit", mock.Anything, mock.Anything).Return(&relay.Handle{UUID: "uuid-6"}, nil)

			meta := h.sponsored()
			require.NoError(t, h.c.Approve(ctx, meta.ID))
			before := h.get(meta.ID)
			require.NotNil(t, before.Hash)

			call := h.relay.On("PollStatus", mock.Anything, "uuid-6").
				Return(&relay.Status{UUID: "uuid-6", Status: relay.StatusSuccess, MinedHash: &mined}, nil)
			if tt.concurrent {
				call.Run(func(mock.Arguments) {
					cur, err := h.store.Get(ctx, meta.ID)
					require.NoError(t, err)
					cur.Status = types.StatusConfirmed
					require.NoError(t, h.store.Save(ctx, cur))
				})
			}

			_, err := h.c.Poll(ctx, 1)
			require.NoError(t, err)

			got := h.get(meta.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			require.NotNil(t, got.Hash)
			if tt.concurrent {
				assert.Equal(t, *before.Hash, *got.Hash)
				assert.Equal(t, relay.StatusPending, got.Relay.LastStatus)
			} else {
				assert.Equal(t, mined, *got.Hash)
				assert.Equal(t, relay.StatusSuccess, got.Relay.LastStatus)
			}
		})
	}
}

func TestCapabilityLookupFallback(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(nil, errors.New("connection refused"))

	// 普通交易退回直连
	plain := h.create(h.transfer(1))
	require.NoError(t, h.c.Approve(ctx, plain.ID))
	got := h.get(plain.ID)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, types.PathDirect, got.SubmitPath)

	// 赞助交易不退回
	sp := h.sponsored()
	err := h.c.Approve(ctx, sp.ID)
	assert.ErrorIs(t, err, errno.ErrRelayRejected)
	assert.Equal(t, types.StatusUnapproved, h.get(sp.ID).Status)
	assert.Equal(t, 1, h.fake.SentCount())
}

func TestSponsorshipUnsupported(t *testing.T) {
	h := newHarness(t, true)
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(&relay.Capabilities{ChainID: 1, Relay: true}, nil)

	meta := h.sponsored()
	err := h.c.Approve(context.Background(), meta.ID)
	assert.ErrorIs(t, err, errno.ErrUnsupportedCapability)
	assert.Equal(t, types.StatusUnapproved, h.get(meta.ID).Status)
}

func TestRelayTransactionCannotSpeedUp(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
	h.relay.On("Submit", mock.Anything, mock.Anything).Return(&relay.Handle{UUID: "uuid-3"}, nil)
	h.relay.On("Cancel", mock.Anything, "uuid-3").Return(nil).Once()

	meta := h.sponsored()
	require.NoError(t, h.c.Approve(ctx, meta.ID))

	_, err := h.c.SpeedUp(ctx, meta.ID, nil)
	assert.ErrorIs(t, err, errno.ErrInvalidTransition)

	repl, err := h.c.CancelByReplacement(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PathDirect, repl.SubmitPath)
	assert.Equal(t, types.StatusDropped, h.get(meta.ID).Status)
	h.relay.AssertExpectations(t)
}

func TestSelectGasFeeToken(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	// 21000 gas * 14 gwei = 2.94e14 wei; 2000 USDC/ETH -> 0.588 USDC
	rate := big.NewInt(2_000_000_000)
	amount := big.NewInt(588_000)
	sim := &relay.SimulationResult{
		Block: 100,
		GasFeeTokens: []relay.GasFeeTokenQuote{{
			TokenAddress: usdc,
			Symbol:       "USDC",
			Decimals:     6,
			Amount:       (*hexutil.Big)(amount),
			RateWei:      (*hexutil.Big)(rate),
			FeeRecipient: recipient,
		}},
	}
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
	h.relay.On("Simulate", mock.Anything, mock.MatchedBy(func(req relay.SimulationRequest) bool {
		return req.WithGasFees && len(req.Transactions) == 1
	})).Return(sim, nil)
	h.relay.On("Submit", mock.Anything, mock.MatchedBy(func(req relay.SubmitRequest) bool {
		return req.GasFeeToken != nil && *req.GasFeeToken == usdc
	})).Return(&relay.Handle{UUID: "uuid-4"}, nil)

	req := h.transfer(1)
	req.Fees = &types.FeeParams{MaxFeePerGas: big.NewInt(14_000_000_000), MaxPriorityFeePerGas: big.NewInt(2_000_000_000)}
	meta := h.create(req)

	quotes, err := h.c.GasFeeTokens(ctx, meta.ID)
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	_, err = h.c.SelectGasFeeToken(ctx, meta.ID, common.HexToAddress("0x5555555555555555555555555555555555555555"))
	assert.ErrorIs(t, err, errno.ErrGasFeeTokenUnavailable)

	got, err := h.c.SelectGasFeeToken(ctx, meta.ID, usdc)
	require.NoError(t, err)
	require.NotNil(t, got.GasFeeToken)
	assert.Equal(t, "USDC", got.GasFeeToken.Symbol)
	assertBig(t, amount, got.GasFeeToken.AmountToken)
	assert.Equal(t, uint64(21000), got.Params.Gas)

	require.NoError(t, h.c.Approve(ctx, meta.ID))
	got = h.get(meta.ID)
	assert.Equal(t, types.PathRelay, got.SubmitPath)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	h.relay.AssertExpectations(t)
}

func TestApproveRechecksTokenAmount(t *testing.T) {
	tests := []struct {
		name    string
		fresh   int64
		wantErr error
	}{
		{"unchanged", 588_000, nil},
		{"moved", 700_000, errno.ErrQuoteStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			ctx := context.Background()
			quote := func(amount int64) *relay.SimulationResult {
				return &relay.SimulationResult{
					Block: 100,
					GasFeeTokens: []relay.GasFeeTokenQuote{{
						TokenAddress: usdc,
						Symbol:       "USDC",
						Decimals:     6,
						Amount:       (*hexutil.Big)(big.NewInt(amount)),
						RateWei:      (*hexutil.Big)(big.NewInt(2_000_000_000)),
						FeeRecipient: recipient,
					}},
				}
			}
			h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)
			h.relay.On("Simulate", mock.Anything, mock.Anything).Return(quote(588_000), nil).Once()
			h.relay.On("Simulate", mock.Anything, mock.Anything).Return(quote(tt.fresh), nil).Once()
			h.relay.On("Submit", mock.Anything, mock.Anything).Return(&relay.Handle{UUID: "uuid-5"}, nil).Maybe()

			req := h.transfer(1)
			req.Fees = &types.FeeParams{MaxFeePerGas: big.NewInt(14_000_000_000), MaxPriorityFeePerGas: big.NewInt(2_000_000_000)}
			meta := h.create(req)
			_, err := h.c.SelectGasFeeToken(ctx, meta.ID, usdc)
			require.NoError(t, err)

			err = h.c.Approve(ctx, meta.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, types.StatusUnapproved, h.get(meta.ID).Status)
				h.relay.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusSubmitted, h.get(meta.ID).Status)
			h.relay.AssertNumberOfCalls(t, "Simulate", 2)
		})
	}
}

func TestSelectGasFeeTokenRejected(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, mock.Anything).Return(fullCaps, nil)

	sponsored := h.sponsored()
	_, err := h.c.SelectGasFeeToken(ctx, sponsored.ID, usdc)
	assert.ErrorIs(t, err, errno.ErrGasFeeTokenUnavailable)

	legacy := h.create(h.transfer(56))
	_, err = h.c.SelectGasFeeToken(ctx, legacy.ID, usdc)
	assert.ErrorIs(t, err, errno.ErrGasFeeTokenUnavailable)

	// 零地址清除选择
	got, err := h.c.SelectGasFeeToken(ctx, legacy.ID, common.Address{})
	require.NoError(t, err)
	assert.Nil(t, got.GasFeeToken)
}

func TestQuoteStaleOnApprove(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.relay.On("Capabilities", mock.Anything, uint64(1)).Return(fullCaps, nil)

	req := h.transfer(1)
	req.Fees = &types.FeeParams{MaxFeePerGas: big.NewInt(14_000_000_000), MaxPriorityFeePerGas: big.NewInt(2_000_000_000)}
	req.Params.Gas = 21000
	meta := h.create(req)

	// 直接写入一个旧报价
	stored, err := h.store.Get(ctx, meta.ID)
	require.NoError(t, err)
	stored.GasFeeToken = &types.GasFeeToken{
		Symbol:      "USDC",
		Address:     usdc,
		Decimals:    6,
		AmountToken: big.NewInt(588_000),
		RateWei:     big.NewInt(2_000_000_000),
		QuoteBlock:  90,
	}
	require.NoError(t, h.store.Save(ctx, stored))

	err = h.c.Approve(ctx, meta.ID)
	assert.ErrorIs(t, err, errno.ErrQuoteStale)
	assert.Equal(t, types.StatusUnapproved, h.get(meta.ID).Status)
}
