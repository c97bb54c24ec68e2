package handler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"wallet-txengine/internal/handler/request"
	"wallet-txengine/internal/handler/response"
	"wallet-txengine/internal/service/controller"
	"wallet-txengine/internal/service/relay"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/pkg/wallet/types"
)

// TxService 交易接口依赖的 controller 能力
type TxService interface {
	CreateTransaction(ctx context.Context, req controller.CreateRequest) (*types.TransactionMeta, error)
	Get(ctx context.Context, id string) (*types.TransactionMeta, error)
	List(ctx context.Context, f store.Filter) ([]*types.TransactionMeta, error)
	Approve(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
	SpeedUp(ctx context.Context, id string, override *types.FeeParams) (*types.TransactionMeta, error)
	CancelByReplacement(ctx context.Context, id string) (*types.TransactionMeta, error)
	SelectGasFeeToken(ctx context.Context, id string, token common.Address) (*types.TransactionMeta, error)
	GasFeeTokens(ctx context.Context, id string) ([]relay.GasFeeTokenQuote, error)
	Subscribe(txID string) *controller.Subscription
}

type TxHandler struct {
	svc TxService
}

func NewTxHandler(svc TxService) *TxHandler {
	return &TxHandler{svc: svc}
}

// Create 新建交易, 进入审批队列
// @Router /api/v1/transactions [post]
func (h *TxHandler) Create(c *gin.Context) {
	var req request.CreateTransactionRequest
	if !bindJSON(c, &req) {
		return
	}
	meta, err := h.svc.CreateTransaction(c.Request.Context(), req.ToCreate())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, meta)
}

// @Router /api/v1/transactions/{id} [get]
func (h *TxHandler) Get(c *gin.Context) {
	meta, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, meta)
}

// List 按链, 账户, 状态过滤
// @Router /api/v1/transactions [get]
func (h *TxHandler) List(c *gin.Context) {
	var q request.ListTransactionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, errBind(err))
		return
	}
	f := store.Filter{ChainID: q.ChainID, Limit: q.Limit}
	if q.From != "" {
		from := common.HexToAddress(q.From)
		f.From = &from
	}
	if q.Status != "" {
		f.Statuses = []types.TxStatus{types.TxStatus(q.Status)}
	}
	list, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"transactions": list, "total": len(list)})
}

// Approve 用户确认, 同步完成签名和提交, 返回最新记录
// @Router /api/v1/transactions/{id}/approve [post]
func (h *TxHandler) Approve(c *gin.Context) {
	h.actThenGet(c, h.svc.Approve)
}

// @Router /api/v1/transactions/{id}/reject [post]
func (h *TxHandler) Reject(c *gin.Context) {
	h.actThenGet(c, h.svc.Reject)
}

func (h *TxHandler) actThenGet(c *gin.Context, fn func(ctx context.Context, id string) error) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := fn(ctx, id); err != nil {
		response.Error(c, err)
		return
	}
	meta, err := h.svc.Get(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, meta)
}

// SpeedUp 同 nonce 提高费用重新广播, 返回替换交易
// @Router /api/v1/transactions/{id}/speed-up [post]
func (h *TxHandler) SpeedUp(c *gin.Context) {
	var req request.SpeedUpRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	var override *types.FeeParams
	if req.Fees != nil {
		f := req.Fees.ToFees()
		override = &f
	}
	repl, err := h.svc.SpeedUp(c.Request.Context(), c.Param("id"), override)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, repl)
}

// @Router /api/v1/transactions/{id}/cancel-replacement [post]
func (h *TxHandler) Cancel(c *gin.Context) {
	repl, err := h.svc.CancelByReplacement(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, repl)
}

// GasFeeTokens 中继模拟给出的可用代币报价
// @Router /api/v1/transactions/{id}/gas-fee-tokens [get]
func (h *TxHandler) GasFeeTokens(c *gin.Context) {
	quotes, err := h.svc.GasFeeTokens(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if quotes == nil {
		quotes = []relay.GasFeeTokenQuote{}
	}
	response.Success(c, gin.H{"gasFeeTokens": quotes})
}

// @Router /api/v1/transactions/{id}/gas-fee-token [post]
func (h *TxHandler) SelectGasFeeToken(c *gin.Context) {
	var req request.SelectGasFeeTokenRequest
	if !bindJSON(c, &req) {
		return
	}
	meta, err := h.svc.SelectGasFeeToken(c.Request.Context(), c.Param("id"), common.HexToAddress(req.Token))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, meta)
}

// Events SSE 推送单笔交易的状态变化, 先推当前快照, 终态后结束
// @Router /api/v1/transactions/{id}/events [get]
func (h *TxHandler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	// 先订阅再读快照, 不漏掉中间的迁移
	sub := h.svc.Subscribe(id)
	defer sub.Close()
	meta, err := h.svc.Get(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Event(c, string(controller.EventTx), controller.Event{Type: controller.EventTx, Tx: meta})
	if meta.Status.IsTerminal() {
		return
	}

	response.Stream(c, func() (string, interface{}, bool) {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return "", nil, false
			}
			return string(ev.Type), ev, ev.Tx == nil || !ev.Tx.Status.IsTerminal()
		case <-ctx.Done():
			return "", nil, false
		}
	})
}
