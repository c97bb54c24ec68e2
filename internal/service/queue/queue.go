package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wallet-txengine/pkg/errno"
)

type Kind string

const (
	KindTransaction Kind = "transaction"
	KindUpgrade     Kind = "upgrade"
)

type Resolution string

const (
	Approved Resolution = "approved"
	Rejected Resolution = "rejected"
)

// Entry 队列中等待用户确认的一项
type Entry struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Origin     string         `json:"origin"`
	ChainID    uint64         `json:"chainId"`
	Account    common.Address `json:"account"`
	Seq        uint64         `json:"seq"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	Resolution Resolution     `json:"resolution,omitempty"`
}

// HeadEvent 当前展示项或待处理数量变化
type HeadEvent struct {
	Head    *Entry `json:"head,omitempty"`
	Pending int    `json:"pending"`
}

type item struct {
	Entry
	done chan struct{}
}

// Queue 跨 origin 和链的 FIFO 确认队列.
// 每一项只能被解决一次, 并发解决时第一个写入者生效.
type Queue struct {
	mu       sync.Mutex
	items    map[string]*item
	pending  []*item // 按 Seq 升序
	cursor   int
	seq      uint64
	listener func(HeadEvent)
	lastHead string
	lastLen  int
}

func New() *Queue {
	return &Queue{items: make(map[string]*item)}
}

// OnHeadChange 注册头部变化回调, 回调在队列锁内执行, 不能阻塞也不能回调队列
func (q *Queue) OnHeadChange(fn func(HeadEvent)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = fn
}

// Enqueue 追加到队尾
func (q *Queue) Enqueue(e Entry) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[e.ID]; exists {
		return Entry{}, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("entry %s already queued", e.ID))
	}
	q.seq++
	e.Seq = q.seq
	e.Resolution = ""
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	it := &item{Entry: e, done: make(chan struct{})}
	q.items[e.ID] = it
	q.pending = append(q.pending, it)
	q.notifyLocked()
	return e, nil
}

// Current 当前展示项, 队列为空时返回 false
func (q *Queue) Current() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentLocked()
}

// Advance 移动到下一项, 已在末尾时保持不动
func (q *Queue) Advance() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor < len(q.pending)-1 {
		q.cursor++
		q.notifyLocked()
	}
	return q.currentLocked()
}

// Retreat 移动到上一项, 已在开头时保持不动
func (q *Queue) Retreat() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor > 0 {
		q.cursor--
		q.notifyLocked()
	}
	return q.currentLocked()
}

// Get 查询任意一项, 包括已解决的
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Entry{}, false
	}
	return it.Entry, true
}

// Pending 按 FIFO 顺序返回未解决的项
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.pending))
	for i, it := range q.pending {
		out[i] = it.Entry
	}
	return out
}

// Resolve 解决一项. 返回 false 表示已被其他调用者解决
func (q *Queue) Resolve(id string, r Resolution) (bool, error) {
	if r != Approved && r != Rejected {
		return false, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("invalid resolution %q", r))
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return false, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("entry %s is not queued", id))
	}
	if it.Resolution != "" {
		return false, nil
	}
	q.resolveLocked(it, r)
	q.notifyLocked()
	return true, nil
}

// RejectAll 拒绝所有未解决的项, 返回实际被拒绝的项
func (q *Queue) RejectAll() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	rejected := make([]Entry, 0, len(q.pending))
	for _, it := range append([]*item(nil), q.pending...) {
		q.resolveLocked(it, Rejected)
		rejected = append(rejected, it.Entry)
	}
	q.notifyLocked()
	return rejected
}

// Wait 阻塞直到该项被解决或 ctx 取消
func (q *Queue) Wait(ctx context.Context, id string) (Resolution, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	q.mu.Unlock()
	if !ok {
		return "", errno.ErrInvalidParams.WithMessage(fmt.Sprintf("entry %s is not queued", id))
	}

	select {
	case <-it.done:
		q.mu.Lock()
		defer q.mu.Unlock()
		return it.Resolution, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Forget 删除已解决的项, 释放内存
func (q *Queue) Forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok && it.Resolution != "" {
		delete(q.items, id)
	}
}

func (q *Queue) resolveLocked(it *item, r Resolution) {
	it.Resolution = r
	close(it.done)

	idx := sort.Search(len(q.pending), func(i int) bool { return q.pending[i].Seq >= it.Seq })
	if idx < len(q.pending) && q.pending[idx] == it {
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		if idx < q.cursor {
			q.cursor--
		}
	}
	if q.cursor >= len(q.pending) {
		q.cursor = len(q.pending) - 1
	}
	if q.cursor < 0 {
		q.cursor = 0
	}
}

func (q *Queue) currentLocked() (Entry, bool) {
	if len(q.pending) == 0 {
		return Entry{}, false
	}
	return q.pending[q.cursor].Entry, true
}

func (q *Queue) notifyLocked() {
	head, ok := q.currentLocked()
	headID := ""
	if ok {
		headID = head.ID
	}
	if headID == q.lastHead && len(q.pending) == q.lastLen {
		return
	}
	q.lastHead = headID
	q.lastLen = len(q.pending)
	if q.listener == nil {
		return
	}
	ev := HeadEvent{Pending: len(q.pending)}
	if ok {
		h := head
		ev.Head = &h
	}
	q.listener(ev)
}
