package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wallet-txengine/internal/model"
	"wallet-txengine/pkg/errno"
)

// NonceSnapshot 一次 resync 之后的 nonce 状态
type NonceSnapshot struct {
	Account     common.Address
	ChainID     uint64
	ChainNonce  uint64
	HighestHeld *uint64
	Held        []uint64
	SyncedAt    time.Time
}

// NonceSnapshotStore 保存 nonce 快照, 用于运维排查和启动时对照
type NonceSnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap NonceSnapshot) error
	LoadSnapshot(ctx context.Context, account common.Address, chainID uint64) (*NonceSnapshot, error)
}

type GormNonceStore struct {
	db *gorm.DB
}

func NewGormNonceStore(db *gorm.DB) *GormNonceStore {
	return &GormNonceStore{db: db}
}

func (s *GormNonceStore) SaveSnapshot(ctx context.Context, snap NonceSnapshot) error {
	row := model.WalletNonce{
		WalletAddress: snap.Account.Hex(),
		ChainID:       snap.ChainID,
		ChainNonce:    snap.ChainNonce,
		HighestHeld:   snap.HighestHeld,
		Held:          joinNonces(snap.Held),
		SyncedAt:      snap.SyncedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}, {Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"chain_nonce", "highest_held", "held", "synced_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: %v", errno.ErrDatabase, err)
	}
	return nil
}

func (s *GormNonceStore) LoadSnapshot(ctx context.Context, account common.Address, chainID uint64) (*NonceSnapshot, error) {
	var row model.WalletNonce
	err := s.db.WithContext(ctx).
		Where("wallet_address = ? AND chain_id = ?", account.Hex(), chainID).
		Limit(1).Find(&row).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errno.ErrDatabase, err)
	}
	if row.ID == 0 {
		return nil, nil
	}
	held, err := splitNonces(row.Held)
	if err != nil {
		return nil, err
	}
	return &NonceSnapshot{
		Account:     account,
		ChainID:     chainID,
		ChainNonce:  row.ChainNonce,
		HighestHeld: row.HighestHeld,
		Held:        held,
		SyncedAt:    row.SyncedAt,
	}, nil
}

// MemoryNonceStore 测试与开发使用
type MemoryNonceStore struct {
	mu    sync.Mutex
	snaps map[string]NonceSnapshot
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{snaps: make(map[string]NonceSnapshot)}
}

func (s *MemoryNonceStore) SaveSnapshot(_ context.Context, snap NonceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Held = append([]uint64(nil), snap.Held...)
	s.snaps[snapKey(snap.Account, snap.ChainID)] = snap
	return nil
}

func (s *MemoryNonceStore) LoadSnapshot(_ context.Context, account common.Address, chainID uint64) (*NonceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[snapKey(account, chainID)]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func snapKey(account common.Address, chainID uint64) string {
	return fmt.Sprintf("%s:%d", account.Hex(), chainID)
}

func joinNonces(ns []uint64) string {
	sorted := append([]uint64(nil), ns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ",")
}

func splitNonces(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid held nonce %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
