package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Is 按 Code 比较, 这样 WithMessage 之后仍然可以用 errors.Is 判断
func (e Errno) Is(target error) bool {
	switch t := target.(type) {
	case Errno:
		return t.Code == e.Code
	case *Errno:
		return t != nil && t.Code == e.Code
	}
	return false
}

// WithMessage 返回带有自定义描述的同码错误
func (e Errno) WithMessage(msg string) Errno {
	return Errno{Code: e.Code, Message: msg}
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, err.Error()
	}
	var ptr *Errno
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, err.Error()
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Transaction engine errors (30000+)
var (
	ErrInvalidParams          = Errno{Code: 30001, Message: "Invalid transaction params"}
	ErrNonceState             = Errno{Code: 30002, Message: "Invalid nonce state"}
	ErrQuoteStale             = Errno{Code: 30003, Message: "Gas fee token quote is stale"}
	ErrRelayRejected          = Errno{Code: 30004, Message: "Relay rejected the transaction"}
	ErrBroadcast              = Errno{Code: 30005, Message: "Broadcast failed"}
	ErrUpgradeDeclined        = Errno{Code: 30006, Message: "EIP-7702 upgrade disabled by the user"}
	ErrTxNotFound             = Errno{Code: 30007, Message: "Transaction not found"}
	ErrInvalidTransition      = Errno{Code: 30008, Message: "Invalid status transition"}
	ErrUnsupportedChain       = Errno{Code: 30009, Message: "Unsupported chain id"}
	ErrFeeBumpTooLow          = Errno{Code: 30010, Message: "Replacement fee bump too low"}
	ErrGasFeeTokenUnavailable = Errno{Code: 30011, Message: "Gas fee token unavailable"}
	ErrUnsupportedCapability  = Errno{Code: 30012, Message: "Unsupported non-optional capability"}
	ErrTxReverted             = Errno{Code: 30013, Message: "Transaction reverted"}
)

// Name 返回错误码对应的名字, 用于写入交易记录
func Name(err error) string {
	code, _ := Decode(err)
	switch code {
	case ErrInvalidParams.Code:
		return "InvalidParamsError"
	case ErrNonceState.Code:
		return "NonceStateError"
	case ErrQuoteStale.Code:
		return "QuoteStaleError"
	case ErrRelayRejected.Code:
		return "RelayRejected"
	case ErrBroadcast.Code:
		return "BroadcastError"
	case ErrUpgradeDeclined.Code:
		return "UpgradeDeclined"
	case ErrTxNotFound.Code:
		return "TxNotFound"
	case ErrInvalidTransition.Code:
		return "InvalidTransition"
	case ErrUnsupportedChain.Code:
		return "UnsupportedChainId"
	case ErrFeeBumpTooLow.Code:
		return "FeeBumpTooLow"
	case ErrGasFeeTokenUnavailable.Code:
		return "GasFeeTokenUnavailable"
	case ErrUnsupportedCapability.Code:
		return "UnsupportedNonOptionalCapability"
	case ErrTxReverted.Code:
		return "TransactionReverted"
	default:
		return "InternalError"
	}
}
