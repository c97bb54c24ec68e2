package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"wallet-txengine/internal/event"
	"wallet-txengine/internal/handler/request"
	"wallet-txengine/internal/handler/response"
	"wallet-txengine/internal/service/controller"
	"wallet-txengine/internal/service/queue"
)

// QueueService 审批队列接口依赖的 controller 能力
type QueueService interface {
	Queue() *queue.Queue
	ResolveQueueEntry(ctx context.Context, id string, r queue.Resolution) error
	RejectAllPending(ctx context.Context) ([]string, error)
	SubscribeQueue() *controller.Subscription
}

type QueueHandler struct {
	svc QueueService
}

func NewQueueHandler(svc QueueService) *QueueHandler {
	return &QueueHandler{svc: svc}
}

func (h *QueueHandler) view() gin.H {
	q := h.svc.Queue()
	out := gin.H{"pending": len(q.Pending())}
	if cur, ok := q.Current(); ok {
		out["current"] = cur
	}
	return out
}

// Current 当前展示的条目和待处理数量
// @Router /api/v1/queue/current [get]
func (h *QueueHandler) Current(c *gin.Context) {
	response.Success(c, h.view())
}

// @Router /api/v1/queue/pending [get]
func (h *QueueHandler) Pending(c *gin.Context) {
	response.Success(c, gin.H{"entries": h.svc.Queue().Pending()})
}

// @Router /api/v1/queue/advance [post]
func (h *QueueHandler) Advance(c *gin.Context) {
	h.svc.Queue().Advance()
	response.Success(c, h.view())
}

// @Router /api/v1/queue/retreat [post]
func (h *QueueHandler) Retreat(c *gin.Context) {
	h.svc.Queue().Retreat()
	response.Success(c, h.view())
}

// Resolve 批准或拒绝一个条目, 交易条目会触发提交
// @Router /api/v1/queue/{id}/resolve [post]
func (h *QueueHandler) Resolve(c *gin.Context) {
	var req request.ResolveQueueRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.svc.ResolveQueueEntry(c.Request.Context(), c.Param("id"), queue.Resolution(req.Resolution)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, h.view())
}

// @Router /api/v1/queue/reject-all [post]
func (h *QueueHandler) RejectAll(c *gin.Context) {
	ids, err := h.svc.RejectAllPending(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	response.Success(c, gin.H{"rejected": ids})
}

// Events SSE 推送队列头部变化
// @Router /api/v1/queue/events [get]
func (h *QueueHandler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	sub := h.svc.SubscribeQueue()
	defer sub.Close()

	q := h.svc.Queue()
	snapshot := event.QueueHeadChangedEvent{Pending: len(q.Pending())}
	if cur, ok := q.Current(); ok {
		snapshot.EntryID = cur.ID
		snapshot.Kind = string(cur.Kind)
		snapshot.Origin = cur.Origin
		snapshot.ChainID = cur.ChainID
	}
	response.Event(c, string(controller.EventQueue), controller.Event{Type: controller.EventQueue, Queue: &snapshot})

	response.Stream(c, func() (string, interface{}, bool) {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return "", nil, false
			}
			return string(ev.Type), ev, true
		case <-ctx.Done():
			return "", nil, false
		}
	})
}
