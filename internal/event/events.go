package event

import "time"

const (
	// TopicTxStatus 交易状态变化
	TopicTxStatus = "txengine_events_tx_status"
	// TopicQueueHead 审批队列头部变化
	TopicQueueHead = "txengine_events_queue_head"
)

// TxStatusChangedEvent 交易状态变化事件
// Topic: txengine_events_tx_status, Key: tx id
type TxStatusChangedEvent struct {
	TxID        string    `json:"tx_id"`
	ChainID     uint64    `json:"chain_id"`
	From        string    `json:"from"`
	Nonce       *uint64   `json:"nonce,omitempty"`
	PrevStatus  string    `json:"prev_status"`
	Status      string    `json:"status"`
	Hash        string    `json:"hash,omitempty"`
	SubmitPath  string    `json:"submit_path,omitempty"`
	ReplacedBy  string    `json:"replaced_by,omitempty"`
	ErrorName   string    `json:"error_name,omitempty"`
	GasPaidWith string    `json:"gas_paid_with,omitempty"` // native 或 token 符号
	OccurredAt  time.Time `json:"occurred_at"`
}

// QueueHeadChangedEvent 审批队列头部变化
// Topic: txengine_events_queue_head
type QueueHeadChangedEvent struct {
	EntryID    string    `json:"entry_id,omitempty"` // 空表示队列已清空
	Kind       string    `json:"kind,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	ChainID    uint64    `json:"chain_id,omitempty"`
	Pending    int       `json:"pending"`
	OccurredAt time.Time `json:"occurred_at"`
}
