package relay

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 中继状态
const (
	StatusPending   = "pending"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Capabilities 中继在某条链上支持的能力
type Capabilities struct {
	ChainID      uint64 `json:"chainId"`
	Relay        bool   `json:"relay"`
	Sponsorship  bool   `json:"sponsorship"`
	GasFeeTokens bool   `json:"gasFeeTokens"`
	EIP7702      bool   `json:"eip7702"`
}

type networksResponse struct {
	Networks []Capabilities `json:"networks"`
}

// SubmitRequest 提交到中继的已签名交易
type SubmitRequest struct {
	ChainID     uint64          `json:"-"`
	ChainIDHex  hexutil.Uint64  `json:"chainId"`
	RawTxs      []hexutil.Bytes `json:"rawTxs"`
	Sponsored   bool            `json:"sponsored,omitempty"`
	GasFeeToken *common.Address `json:"gasFeeToken,omitempty"`
	Origin      string          `json:"origin,omitempty"`
}

// Handle 中继受理后返回的句柄
type Handle struct {
	UUID string `json:"uuid"`
}

// Status 中继侧的交易状态
type Status struct {
	UUID      string       `json:"uuid"`
	Status    string       `json:"status"`
	MinedHash *common.Hash `json:"minedHash,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// IsTerminal 中继不再变化的状态
func (s Status) IsTerminal() bool {
	switch s.Status {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SimTx 模拟的单笔调用
type SimTx struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Gas   hexutil.Uint64  `json:"gas,omitempty"`
}

type SimulationRequest struct {
	ChainID      uint64         `json:"-"`
	ChainIDHex   hexutil.Uint64 `json:"chainId"`
	Transactions []SimTx        `json:"transactions"`
	WithGasFees  bool           `json:"withGasFees"` // 请求 gas 代币报价
	Sponsorship  bool           `json:"withSponsorship"`
}

// GasFeeTokenQuote 中继给出的 gas 代币报价
type GasFeeTokenQuote struct {
	TokenAddress common.Address `json:"tokenAddress"`
	Symbol       string         `json:"symbol"`
	Decimals     uint8          `json:"decimals"`
	Amount       *hexutil.Big   `json:"amount"`
	Balance      *hexutil.Big   `json:"balance,omitempty"`
	RateWei      *hexutil.Big   `json:"rateWei"`
	FeeRecipient common.Address `json:"recipient"`
	Gas          hexutil.Uint64 `json:"gas,omitempty"`
}

type SimulationResult struct {
	Block        hexutil.Uint64     `json:"blockNumber"`
	Sponsored    bool               `json:"sponsored"`
	GasUsed      hexutil.Uint64     `json:"gasUsed"`
	GasFeeTokens []GasFeeTokenQuote `json:"gasFeeTokens"`
}

// Quote 按代币地址查找报价
func (r *SimulationResult) Quote(token common.Address) (*GasFeeTokenQuote, bool) {
	for i := range r.GasFeeTokens {
		if r.GasFeeTokens[i].TokenAddress == token {
			return &r.GasFeeTokens[i], true
		}
	}
	return nil, false
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

func hexUint64(v uint64) hexutil.Uint64 {
	return hexutil.Uint64(v)
}
