package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EnvelopeType 交易信封类型
type EnvelopeType string

const (
	EnvelopeLegacy    EnvelopeType = "legacy"
	EnvelopeFeeMarket EnvelopeType = "feeMarket"
	EnvelopeBatch     EnvelopeType = "eip7702Batch"
)

// FeeParams 三种信封共用的费用视图, 未使用的字段为 nil
type FeeParams struct {
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

// Envelope 是封闭的变体类型, 只有本包内的三个实现.
// 调用方用 type switch 分派: LegacyEnvelope / FeeMarketEnvelope / BatchEnvelope.
type Envelope interface {
	Type() EnvelopeType
	Fees() FeeParams
	// WithFees 返回替换了费用字段的副本
	WithFees(FeeParams) Envelope
	// HasFees 费用是否已经确定 (未确定时 approve 阶段由估算器填充)
	HasFees() bool
	sealed()
}

type LegacyEnvelope struct {
	GasPrice *big.Int
}

func (LegacyEnvelope) Type() EnvelopeType { return EnvelopeLegacy }
func (e LegacyEnvelope) Fees() FeeParams  { return FeeParams{GasPrice: e.GasPrice} }
func (e LegacyEnvelope) WithFees(f FeeParams) Envelope {
	return LegacyEnvelope{GasPrice: copyBig(f.GasPrice)}
}
func (e LegacyEnvelope) HasFees() bool { return e.GasPrice != nil && e.GasPrice.Sign() > 0 }
func (LegacyEnvelope) sealed()         {}

type FeeMarketEnvelope struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (FeeMarketEnvelope) Type() EnvelopeType { return EnvelopeFeeMarket }
func (e FeeMarketEnvelope) Fees() FeeParams {
	return FeeParams{MaxFeePerGas: e.MaxFeePerGas, MaxPriorityFeePerGas: e.MaxPriorityFeePerGas}
}
func (e FeeMarketEnvelope) WithFees(f FeeParams) Envelope {
	return FeeMarketEnvelope{MaxFeePerGas: copyBig(f.MaxFeePerGas), MaxPriorityFeePerGas: copyBig(f.MaxPriorityFeePerGas)}
}
func (e FeeMarketEnvelope) HasFees() bool {
	return e.MaxFeePerGas != nil && e.MaxPriorityFeePerGas != nil
}
func (FeeMarketEnvelope) sealed() {}

// BatchCall 批量调用中的一项, 没有独立 nonce
type BatchCall struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

// BatchEnvelope EIP-7702 批量调用. Delegation 非空表示升级授权与本批次合并在同一笔交易中.
type BatchEnvelope struct {
	Calls                []BatchCall
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Delegation           *common.Address
}

func (BatchEnvelope) Type() EnvelopeType { return EnvelopeBatch }
func (e BatchEnvelope) Fees() FeeParams {
	return FeeParams{MaxFeePerGas: e.MaxFeePerGas, MaxPriorityFeePerGas: e.MaxPriorityFeePerGas}
}
func (e BatchEnvelope) WithFees(f FeeParams) Envelope {
	e.MaxFeePerGas = copyBig(f.MaxFeePerGas)
	e.MaxPriorityFeePerGas = copyBig(f.MaxPriorityFeePerGas)
	return e
}
func (e BatchEnvelope) HasFees() bool {
	return e.MaxFeePerGas != nil && e.MaxPriorityFeePerGas != nil
}
func (BatchEnvelope) sealed() {}

// envelopeJSON 持久化/接口使用的扁平结构, type 字段作为判别标签
type envelopeJSON struct {
	Type                 EnvelopeType    `json:"type"`
	GasPrice             *big.Int        `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int        `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int        `json:"maxPriorityFeePerGas,omitempty"`
	Calls                []BatchCall     `json:"calls,omitempty"`
	Delegation           *common.Address `json:"delegation,omitempty"`
}

func MarshalEnvelope(e Envelope) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	out := envelopeJSON{Type: e.Type()}
	switch v := e.(type) {
	case LegacyEnvelope:
		out.GasPrice = v.GasPrice
	case FeeMarketEnvelope:
		out.MaxFeePerGas = v.MaxFeePerGas
		out.MaxPriorityFeePerGas = v.MaxPriorityFeePerGas
	case BatchEnvelope:
		out.MaxFeePerGas = v.MaxFeePerGas
		out.MaxPriorityFeePerGas = v.MaxPriorityFeePerGas
		out.Calls = v.Calls
		out.Delegation = v.Delegation
	default:
		return nil, fmt.Errorf("unknown envelope %T", e)
	}
	return json.Marshal(out)
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var in envelopeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	switch in.Type {
	case EnvelopeLegacy:
		return LegacyEnvelope{GasPrice: in.GasPrice}, nil
	case EnvelopeFeeMarket:
		return FeeMarketEnvelope{MaxFeePerGas: in.MaxFeePerGas, MaxPriorityFeePerGas: in.MaxPriorityFeePerGas}, nil
	case EnvelopeBatch:
		return BatchEnvelope{
			Calls:                in.Calls,
			MaxFeePerGas:         in.MaxFeePerGas,
			MaxPriorityFeePerGas: in.MaxPriorityFeePerGas,
			Delegation:           in.Delegation,
		}, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", in.Type)
	}
}

// NewEnvelope 按类型构造空费用的信封
func NewEnvelope(t EnvelopeType, calls []BatchCall) (Envelope, error) {
	switch t {
	case EnvelopeLegacy:
		return LegacyEnvelope{}, nil
	case EnvelopeFeeMarket:
		return FeeMarketEnvelope{}, nil
	case EnvelopeBatch:
		return BatchEnvelope{Calls: calls}, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", t)
	}
}

// BumpFees 按百分比提高费用 (向上取整), 用于加速/取消替换交易
func BumpFees(f FeeParams, percent int64) FeeParams {
	return FeeParams{
		GasPrice:             bumpBig(f.GasPrice, percent),
		MaxFeePerGas:         bumpBig(f.MaxFeePerGas, percent),
		MaxPriorityFeePerGas: bumpBig(f.MaxPriorityFeePerGas, percent),
	}
}

// MaxFees 逐字段取较大值
func MaxFees(a, b FeeParams) FeeParams {
	return FeeParams{
		GasPrice:             maxBig(a.GasPrice, b.GasPrice),
		MaxFeePerGas:         maxBig(a.MaxFeePerGas, b.MaxFeePerGas),
		MaxPriorityFeePerGas: maxBig(a.MaxPriorityFeePerGas, b.MaxPriorityFeePerGas),
	}
}

// CoversBump 检查 next 的每个已设置字段都不低于 prev 提高 percent 后的值
func CoversBump(prev, next FeeParams, percent int64) bool {
	need := BumpFees(prev, percent)
	return covers(need.GasPrice, next.GasPrice) &&
		covers(need.MaxFeePerGas, next.MaxFeePerGas) &&
		covers(need.MaxPriorityFeePerGas, next.MaxPriorityFeePerGas)
}

func covers(need, got *big.Int) bool {
	if need == nil {
		return true
	}
	return got != nil && got.Cmp(need) >= 0
}

func bumpBig(v *big.Int, percent int64) *big.Int {
	if v == nil {
		return nil
	}
	out := new(big.Int).Mul(v, big.NewInt(100+percent))
	out.Add(out, big.NewInt(99))
	return out.Div(out, big.NewInt(100))
}

func maxBig(a, b *big.Int) *big.Int {
	switch {
	case a == nil:
		return copyBig(b)
	case b == nil:
		return copyBig(a)
	case a.Cmp(b) >= 0:
		return copyBig(a)
	default:
		return copyBig(b)
	}
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
