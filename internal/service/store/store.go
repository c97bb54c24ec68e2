package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"wallet-txengine/pkg/wallet/types"
)

// OutboxEvent 与交易记录在同一事务中写入的事件
type OutboxEvent struct {
	Topic   string
	Key     string
	Payload interface{}
}

// Filter 列表查询条件, 零值字段不参与过滤
type Filter struct {
	ChainID  uint64
	From     *common.Address
	Nonce    *uint64
	Statuses []types.TxStatus
	Limit    int
}

// TxStore 交易记录的持久化, id -> TransactionMeta.
// Save 是整条记录覆盖写, 并发控制由调用方的 keyed mutex 保证.
type TxStore interface {
	Get(ctx context.Context, id string) (*types.TransactionMeta, error)
	Save(ctx context.Context, meta *types.TransactionMeta, events ...OutboxEvent) error
	List(ctx context.Context, f Filter) ([]*types.TransactionMeta, error)
}

func (f Filter) match(m *types.TransactionMeta) bool {
	if f.ChainID != 0 && m.ChainID != f.ChainID {
		return false
	}
	if f.From != nil && m.Params.From != *f.From {
		return false
	}
	if f.Nonce != nil {
		n, ok := m.Nonce()
		if !ok || n != *f.Nonce {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		hit := false
		for _, s := range f.Statuses {
			if m.Status == s {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}
