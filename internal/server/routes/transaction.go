package routes

import (
	"github.com/gin-gonic/gin"

	"wallet-txengine/internal/handler"
)

// RegisterTransactionRoutes 注册交易生命周期路由
func RegisterTransactionRoutes(rg *gin.RouterGroup, h *handler.TxHandler) {
	txGroup := rg.Group("/transactions")
	{
		txGroup.POST("", h.Create)
		txGroup.GET("", h.List)
		txGroup.GET("/:id", h.Get)
		txGroup.GET("/:id/events", h.Events)
		txGroup.POST("/:id/approve", h.Approve)
		txGroup.POST("/:id/reject", h.Reject)
		txGroup.POST("/:id/speed-up", h.SpeedUp)
		txGroup.POST("/:id/cancel-replacement", h.Cancel)
		txGroup.GET("/:id/gas-fee-tokens", h.GasFeeTokens)
		txGroup.POST("/:id/gas-fee-token", h.SelectGasFeeToken)
	}
}
