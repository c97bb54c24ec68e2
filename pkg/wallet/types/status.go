package types

// TxStatus 交易生命周期状态
type TxStatus string

const (
	StatusUnapproved TxStatus = "unapproved"
	StatusApproved   TxStatus = "approved"
	StatusSigned     TxStatus = "signed"
	StatusSubmitted  TxStatus = "submitted"
	StatusConfirmed  TxStatus = "confirmed"
	StatusFailed     TxStatus = "failed"
	StatusDropped    TxStatus = "dropped"
	StatusRejected   TxStatus = "rejected"
)

// 合法迁移表. approved/signed -> unapproved 用于广播前失败回滚,
// approved -> failed 只在启动对账时出现 (签名过程中进程退出).
// dropped -> confirmed/failed 只用于被替换的原交易最终自己上链, 见 TransactionMeta.AwaitsReceipt.
var transitions = map[TxStatus][]TxStatus{
	StatusUnapproved: {StatusApproved, StatusRejected},
	StatusApproved:   {StatusSigned, StatusRejected, StatusUnapproved, StatusFailed},
	StatusSigned:     {StatusSubmitted, StatusUnapproved, StatusFailed},
	StatusSubmitted:  {StatusConfirmed, StatusFailed, StatusDropped},
	StatusDropped:    {StatusConfirmed, StatusFailed},
}

// CanTransition 判断 s -> to 是否合法
func (s TxStatus) CanTransition(to TxStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 终态之后记录不再变化. 例外是被替换的 dropped 原交易, 它的 receipt 仍会被应用
func (s TxStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusDropped, StatusRejected:
		return true
	}
	return false
}

// IsActive 参与 nonce 占用的状态
func (s TxStatus) IsActive() bool {
	switch s {
	case StatusApproved, StatusSigned, StatusSubmitted, StatusConfirmed:
		return true
	}
	return false
}

func (s TxStatus) Valid() bool {
	switch s {
	case StatusUnapproved, StatusApproved, StatusSigned, StatusSubmitted,
		StatusConfirmed, StatusFailed, StatusDropped, StatusRejected:
		return true
	}
	return false
}
