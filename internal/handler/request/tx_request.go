package request

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"wallet-txengine/internal/service/controller"
	"wallet-txengine/pkg/validator"
	"wallet-txengine/pkg/wallet/types"
)

// 数值字段统一使用字符串, 支持十进制和 0x 十六进制

type CallRequest struct {
	To    string `json:"to" binding:"required,eth_addr"`
	Value string `json:"value" binding:"omitempty,numstr"`
	Data  string `json:"data" binding:"omitempty,hexdata"`
}

type FeeRequest struct {
	GasPrice             string `json:"gasPrice" binding:"omitempty,numstr"`
	MaxFeePerGas         string `json:"maxFeePerGas" binding:"omitempty,numstr"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas" binding:"omitempty,numstr"`
}

// CreateTransactionRequest POST /transactions
type CreateTransactionRequest struct {
	ChainID      uint64        `json:"chainId" binding:"required,min=1"`
	Origin       string        `json:"origin" binding:"required,max=255"`
	From         string        `json:"from" binding:"required,eth_addr"`
	To           string        `json:"to" binding:"omitempty,eth_addr"`
	Value        string        `json:"value" binding:"omitempty,numstr"`
	Data         string        `json:"data" binding:"omitempty,hexdata"`
	Gas          uint64        `json:"gas"`
	EnvelopeType string        `json:"envelopeType" binding:"omitempty,oneof=legacy feeMarket eip7702Batch"`
	Calls        []CallRequest `json:"calls" binding:"omitempty,max=32,dive"`
	Fees         *FeeRequest   `json:"fees"`
	Sponsored    bool          `json:"sponsored"`
}

// ToCreate 转换为 controller 的请求, 字段已经通过校验
func (r CreateTransactionRequest) ToCreate() controller.CreateRequest {
	out := controller.CreateRequest{
		ChainID:      r.ChainID,
		Origin:       r.Origin,
		EnvelopeType: types.EnvelopeType(r.EnvelopeType),
		Sponsored:    r.Sponsored,
		Params: types.TxParams{
			From:  common.HexToAddress(r.From),
			Value: parseBig(r.Value),
			Data:  decodeHex(r.Data),
			Gas:   r.Gas,
		},
	}
	if r.To != "" {
		to := common.HexToAddress(r.To)
		out.Params.To = &to
	}
	for _, c := range r.Calls {
		out.Calls = append(out.Calls, types.BatchCall{
			To:    common.HexToAddress(c.To),
			Value: parseBig(c.Value),
			Data:  decodeHex(c.Data),
		})
	}
	if r.Fees != nil {
		f := r.Fees.ToFees()
		out.Fees = &f
	}
	return out
}

func (r FeeRequest) ToFees() types.FeeParams {
	return types.FeeParams{
		GasPrice:             parseBig(r.GasPrice),
		MaxFeePerGas:         parseBig(r.MaxFeePerGas),
		MaxPriorityFeePerGas: parseBig(r.MaxPriorityFeePerGas),
	}
}

// SpeedUpRequest POST /transactions/:id/speed-up, 不传费用时按最小涨幅计算
type SpeedUpRequest struct {
	Fees *FeeRequest `json:"fees"`
}

// SelectGasFeeTokenRequest POST /transactions/:id/gas-fee-token, 零地址表示改回原生币
type SelectGasFeeTokenRequest struct {
	Token string `json:"token" binding:"required,eth_addr"`
}

// ResolveQueueRequest POST /queue/:id/resolve
type ResolveQueueRequest struct {
	Resolution string `json:"resolution" binding:"required,oneof=approved rejected"`
}

// UpgradeRequest POST /upgrades. Accepted 为空时通过审批队列询问用户
type UpgradeRequest struct {
	Account  string `json:"account" binding:"required,eth_addr"`
	ChainID  uint64 `json:"chainId" binding:"required,min=1"`
	Accepted *bool  `json:"accepted"`
}

// ListTransactionsQuery GET /transactions
type ListTransactionsQuery struct {
	ChainID uint64 `form:"chain_id"`
	From    string `form:"from" binding:"omitempty,eth_addr"`
	Status  string `form:"status" binding:"omitempty,oneof=unapproved approved rejected signed submitted confirmed failed dropped"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

func parseBig(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, _ := validator.ParseBig(s)
	return v
}

func decodeHex(s string) hexutil.Bytes {
	if s == "" {
		return nil
	}
	b, _ := hexutil.Decode(s)
	return b
}
