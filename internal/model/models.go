package model

import (
	"time"

	"gorm.io/gorm"
)

// Transaction 交易记录表
// 完整的 TransactionMeta 以 JSON 存在 payload 中, 其余列用于查询和索引
type Transaction struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ChainID      uint64    `gorm:"not null;index:idx_from_chain,priority:2" json:"chain_id"`
	FromAddress  string    `gorm:"type:varchar(42);not null;index:idx_from_chain,priority:1" json:"from_address"`
	Origin       string    `gorm:"type:varchar(255);not null" json:"origin"`
	Nonce        *uint64   `gorm:"index" json:"nonce,omitempty"`
	Status       string    `gorm:"type:varchar(20);not null;index" json:"status"`
	EnvelopeType string    `gorm:"type:varchar(20);not null" json:"envelope_type"`
	Hash         string    `gorm:"type:varchar(66);index" json:"hash"`
	RelayUUID    string    `gorm:"type:varchar(64)" json:"relay_uuid"`
	ReplacedBy   string    `gorm:"type:varchar(36)" json:"replaced_by"`
	Replaces     string    `gorm:"type:varchar(36)" json:"replaces"`
	Payload      string    `gorm:"type:text;not null" json:"payload"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// WalletNonce 账户 nonce 快照, 每次 resync 后更新
type WalletNonce struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletAddress string    `gorm:"type:varchar(42);not null;uniqueIndex:idx_wallet_chain" json:"wallet_address"`
	ChainID       uint64    `gorm:"not null;uniqueIndex:idx_wallet_chain" json:"chain_id"`
	ChainNonce    uint64    `gorm:"not null;default:0" json:"chain_nonce"`     // 链上已确认的交易数
	HighestHeld   *uint64   `json:"highest_held,omitempty"`                    // 本地持有的最大 nonce
	Held          string    `gorm:"type:text;not null;default:''" json:"held"` // 持有的 nonce 列表, 逗号分隔
	SyncedAt      time.Time `json:"synced_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (WalletNonce) TableName() string {
	return "wallet_nonces"
}

// UpgradeConsent EIP-7702 升级授权记录, 每个 (账户, 链) 只有一条
type UpgradeConsent struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Account    string    `gorm:"type:varchar(42);not null;uniqueIndex:idx_account_chain" json:"account"`
	ChainID    uint64    `gorm:"not null;uniqueIndex:idx_account_chain" json:"chain_id"`
	Decision   string    `gorm:"type:varchar(16);not null" json:"decision"` // accepted, declined
	Delegation string    `gorm:"type:varchar(42)" json:"delegation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (UpgradeConsent) TableName() string {
	return "upgrade_consents"
}

// OutboxMessage 本地消息表 (Transactional Outbox)
type OutboxMessage struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic     string         `gorm:"type:varchar(255);not null" json:"topic"`
	Key       string         `gorm:"type:varchar(255);not null;default:''" json:"key"` // 分区键, 同一笔交易的事件保持顺序
	Payload   []byte         `gorm:"type:text;not null" json:"payload"`
	Status    string         `gorm:"type:varchar(50);not null;default:'PENDING';index" json:"status"` // PENDING, SENT, FAILED
	Attempts  int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

const (
	OutboxPending = "PENDING"
	OutboxSent    = "SENT"
	OutboxFailed  = "FAILED"
)
