package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wallet-txengine/internal/model"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

// GormStore 基于 gorm 的 TxStore, postgres 与 sqlite 通用
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, id string) (*types.TransactionMeta, error) {
	var row model.Transaction
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errno.ErrTxNotFound.WithMessage(fmt.Sprintf("transaction %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errno.ErrDatabase, err)
	}
	return fromRow(&row)
}

// Save 写入交易记录, 事件写入 outbox_messages, 两者在同一个事务中
func (s *GormStore) Save(ctx context.Context, meta *types.TransactionMeta, events ...OutboxEvent) error {
	row, err := toRow(meta)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
			return err
		}
		for _, ev := range events {
			if err := model.CreateOutboxMessage(tx, ev.Topic, ev.Key, ev.Payload); err != nil {
				return err // 回滚
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errno.ErrDatabase, err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]*types.TransactionMeta, error) {
	q := s.db.WithContext(ctx).Model(&model.Transaction{})
	if f.ChainID != 0 {
		q = q.Where("chain_id = ?", f.ChainID)
	}
	if f.From != nil {
		q = q.Where("from_address = ?", f.From.Hex())
	}
	if f.Nonce != nil {
		q = q.Where("nonce = ?", *f.Nonce)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []model.Transaction
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errno.ErrDatabase, err)
	}
	out := make([]*types.TransactionMeta, 0, len(rows))
	for i := range rows {
		m, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func toRow(m *types.TransactionMeta) (*model.Transaction, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %s: %w", m.ID, err)
	}
	row := &model.Transaction{
		ID:           m.ID,
		ChainID:      m.ChainID,
		FromAddress:  m.Params.From.Hex(),
		Origin:       m.Origin,
		Nonce:        m.Params.Nonce,
		Status:       string(m.Status),
		EnvelopeType: string(m.EnvelopeType()),
		ReplacedBy:   m.ReplacedBy,
		Replaces:     m.Replaces,
		Payload:      string(payload),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.Hash != nil {
		row.Hash = m.Hash.Hex()
	}
	if m.Relay != nil {
		row.RelayUUID = m.Relay.UUID
	}
	return row, nil
}

func fromRow(row *model.Transaction) (*types.TransactionMeta, error) {
	m := new(types.TransactionMeta)
	if err := json.Unmarshal([]byte(row.Payload), m); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", row.ID, err)
	}
	return m, nil
}
