package routes

import (
	"github.com/gin-gonic/gin"

	"wallet-txengine/internal/handler"
)

// RegisterAccountRoutes EIP-7702 升级和 EIP-5792 查询
func RegisterAccountRoutes(rg *gin.RouterGroup, h *handler.AccountHandler) {
	rg.POST("/upgrades", h.Upgrade)
	rg.GET("/upgrades/:chain_id/:account", h.GetUpgrade)
	rg.GET("/calls/:id/status", h.CallsStatus)
	rg.GET("/capabilities/:account", h.Capabilities)
}

func RegisterChainRoutes(rg *gin.RouterGroup, h *handler.ChainHandler) {
	rg.GET("/fees/:chain_id", h.Fees)
	rg.POST("/chains/:chain_id/poll", h.Poll)
}
