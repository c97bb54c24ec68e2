package controller

import (
	"sync"

	"wallet-txengine/internal/event"
	"wallet-txengine/pkg/wallet/types"
)

type EventType string

const (
	EventTx    EventType = "tx"
	EventQueue EventType = "queue"
)

// Event 推送给订阅者的事件
type Event struct {
	Type       EventType                    `json:"type"`
	Tx         *types.TransactionMeta       `json:"tx,omitempty"`
	PrevStatus types.TxStatus               `json:"prevStatus,omitempty"`
	Queue      *event.QueueHeadChangedEvent `json:"queue,omitempty"`
}

// Subscription 一个订阅. 每个订阅有自己的无界信箱和投递协程,
// 慢消费者不会阻塞发布方, 事件在 Close 之前不会丢失.
type Subscription struct {
	C <-chan Event

	out     chan Event
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	done    chan struct{}
	once    sync.Once

	id     uint64
	hub    *Hub
	filter func(Event) bool
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, ev)
	s.cond.Signal()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Close 取消订阅, C 会被关闭
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
}

// Hub 进程内事件分发
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

func (h *Hub) subscribe(filter func(Event) bool) *Subscription {
	out := make(chan Event)
	s := &Subscription{
		C:      out,
		out:    out,
		done:   make(chan struct{}),
		hub:    h,
		filter: filter,
	}
	s.cond = sync.NewCond(&s.mu)

	h.mu.Lock()
	h.next++
	s.id = h.next
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.pump()
	return s
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscribe 只接收某笔交易的事件
func (h *Hub) Subscribe(txID string) *Subscription {
	return h.subscribe(func(ev Event) bool {
		return ev.Type == EventTx && ev.Tx.ID == txID
	})
}

func (h *Hub) SubscribeAll() *Subscription {
	return h.subscribe(func(ev Event) bool { return ev.Type == EventTx })
}

func (h *Hub) SubscribeQueue() *Subscription {
	return h.subscribe(func(ev Event) bool { return ev.Type == EventQueue })
}

// Subscribers 当前订阅数
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.filter(ev) {
			s.push(ev)
		}
	}
}

func (h *Hub) publishTx(m *types.TransactionMeta, prev types.TxStatus) {
	h.publish(Event{Type: EventTx, Tx: m.Clone(), PrevStatus: prev})
}

func (h *Hub) publishQueue(ev event.QueueHeadChangedEvent) {
	h.publish(Event{Type: EventQueue, Queue: &ev})
}
