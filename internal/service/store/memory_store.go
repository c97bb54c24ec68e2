package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

// MemoryStore 进程内 TxStore, 读写都做深拷贝
type MemoryStore struct {
	mu     sync.RWMutex
	txs    map[string]*types.TransactionMeta
	events []OutboxEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*types.TransactionMeta)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.TransactionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.txs[id]
	if !ok {
		return nil, errno.ErrTxNotFound.WithMessage(fmt.Sprintf("transaction %s not found", id))
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, meta *types.TransactionMeta, events ...OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[meta.ID] = meta.Clone()
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*types.TransactionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.TransactionMeta
	for _, m := range s.txs {
		if f.match(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events 返回已写入的 outbox 事件
func (s *MemoryStore) Events() []OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]OutboxEvent(nil), s.events...)
}
