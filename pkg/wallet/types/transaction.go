package types

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxParams 交易参数. 只有 unapproved 状态下允许修改.
type TxParams struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"` // nil 表示合约创建
	Value *big.Int        `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Nonce *uint64         `json:"nonce,omitempty"`
	Gas   uint64          `json:"gas,omitempty"`
}

// GasFeeToken 使用非原生资产支付手续费时的报价结果
type GasFeeToken struct {
	Symbol       string         `json:"symbol"`
	Address      common.Address `json:"address"`
	Decimals     uint8          `json:"decimals"`
	AmountToken  *big.Int       `json:"amountToken"`
	RateWei      *big.Int       `json:"rateWei,omitempty"` // 1e18 wei 原生币对应的代币最小单位数
	FeeRecipient common.Address `json:"feeRecipient"`
	QuoteBlock   uint64         `json:"quoteBlock"`
}

// RelayInfo 委托给中继提交时的句柄
type RelayInfo struct {
	UUID       string `json:"uuid"`
	Provider   string `json:"provider"`
	LastStatus string `json:"lastStatus"`
}

type SubmitPath string

const (
	PathDirect SubmitPath = "direct"
	PathRelay  SubmitPath = "relay"
)

type ReplaceType string

const (
	ReplaceSpeedUp ReplaceType = "speedup"
	ReplaceCancel  ReplaceType = "cancel"
)

// TxError 记录在交易上的错误
type TxError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// TransactionMeta 一笔待提交或已提交交易的完整记录
type TransactionMeta struct {
	ID      string   `json:"id"`
	ChainID uint64   `json:"chainId"`
	Origin  string   `json:"origin"`
	Params  TxParams `json:"txParams"`
	// Envelope 通过 MarshalJSON 以带 type 标签的形式输出
	Envelope Envelope `json:"-"`
	Status   TxStatus `json:"status"`

	GasFeeToken *GasFeeToken `json:"gasFeeToken,omitempty"`
	Sponsored   bool         `json:"sponsored,omitempty"`
	Relay       *RelayInfo   `json:"relay,omitempty"`
	SubmitPath  SubmitPath   `json:"submitPath,omitempty"`

	ReplacedBy  string      `json:"replacedBy,omitempty"`
	Replaces    string      `json:"replaces,omitempty"`
	ReplaceType ReplaceType `json:"replaceType,omitempty"`

	Hash        *common.Hash  `json:"hash"`
	RawTx       hexutil.Bytes `json:"rawTx,omitempty"`
	GasUsed     *uint64       `json:"gasUsed,omitempty"`
	BlockNumber *uint64       `json:"blockNumber,omitempty"`
	Error       *TxError      `json:"error,omitempty"`
	Stuck       bool          `json:"stuck,omitempty"`

	SubmittedBlock uint64    `json:"submittedBlock,omitempty"`
	SubmittedAt    time.Time `json:"submittedAt,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type metaAlias TransactionMeta

type metaJSON struct {
	*metaAlias
	Envelope     json.RawMessage `json:"envelope"`
	EnvelopeType EnvelopeType    `json:"envelopeType"`
}

func (m TransactionMeta) MarshalJSON() ([]byte, error) {
	env, err := MarshalEnvelope(m.Envelope)
	if err != nil {
		return nil, err
	}
	out := metaJSON{metaAlias: (*metaAlias)(&m), Envelope: env}
	if m.Envelope != nil {
		out.EnvelopeType = m.Envelope.Type()
	}
	return json.Marshal(out)
}

func (m *TransactionMeta) UnmarshalJSON(data []byte) error {
	in := metaJSON{metaAlias: (*metaAlias)(m)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	env, err := UnmarshalEnvelope(in.Envelope)
	if err != nil {
		return err
	}
	m.Envelope = env
	return nil
}

// EnvelopeType 便捷访问
func (m *TransactionMeta) EnvelopeType() EnvelopeType {
	if m.Envelope == nil {
		return ""
	}
	return m.Envelope.Type()
}

// Nonce 返回已分配的 nonce
func (m *TransactionMeta) Nonce() (uint64, bool) {
	if m.Params.Nonce == nil {
		return 0, false
	}
	return *m.Params.Nonce, true
}

// AwaitsReceipt 还可能在链上出现 receipt 的记录: submitted, 或被替换后标记 dropped
// 但已经广播过、尚未记录 receipt 的原交易
func (m *TransactionMeta) AwaitsReceipt() bool {
	switch m.Status {
	case StatusSubmitted:
		return true
	case StatusDropped:
		return m.ReplacedBy != "" && m.Hash != nil && m.GasUsed == nil
	}
	return false
}

// Clone 深拷贝, 对外返回的记录不与内部共享指针
func (m *TransactionMeta) Clone() *TransactionMeta {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	out := new(TransactionMeta)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}
