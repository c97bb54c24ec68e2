package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wallet-txengine/internal/model"
	"wallet-txengine/pkg/errno"
)

// Consent 账户在某条链上的升级决定
type Consent struct {
	Account    common.Address
	ChainID    uint64
	Decision   string
	Delegation *common.Address
}

// ConsentStore 升级授权的持久化, 每个 (账户, 链) 一条
type ConsentStore interface {
	SaveConsent(ctx context.Context, c Consent) error
	LoadConsent(ctx context.Context, account common.Address, chainID uint64) (*Consent, error)
}

type GormConsentStore struct {
	db *gorm.DB
}

func NewGormConsentStore(db *gorm.DB) *GormConsentStore {
	return &GormConsentStore{db: db}
}

func (s *GormConsentStore) SaveConsent(ctx context.Context, c Consent) error {
	row := model.UpgradeConsent{
		Account:  c.Account.Hex(),
		ChainID:  c.ChainID,
		Decision: c.Decision,
	}
	if c.Delegation != nil {
		row.Delegation = c.Delegation.Hex()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}, {Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"decision", "delegation", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: %v", errno.ErrDatabase, err)
	}
	return nil
}

func (s *GormConsentStore) LoadConsent(ctx context.Context, account common.Address, chainID uint64) (*Consent, error) {
	var row model.UpgradeConsent
	err := s.db.WithContext(ctx).
		Where("account = ? AND chain_id = ?", account.Hex(), chainID).
		Limit(1).Find(&row).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errno.ErrDatabase, err)
	}
	if row.ID == 0 {
		return nil, nil
	}
	c := &Consent{Account: account, ChainID: chainID, Decision: row.Decision}
	if row.Delegation != "" {
		d := common.HexToAddress(row.Delegation)
		c.Delegation = &d
	}
	return c, nil
}

type MemoryConsentStore struct {
	mu       sync.Mutex
	consents map[string]Consent
}

func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{consents: make(map[string]Consent)}
}

func (s *MemoryConsentStore) SaveConsent(_ context.Context, c Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[snapKey(c.Account, c.ChainID)] = c
	return nil
}

func (s *MemoryConsentStore) LoadConsent(_ context.Context, account common.Address, chainID uint64) (*Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consents[snapKey(account, chainID)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
