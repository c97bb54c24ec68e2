package routes

import (
	"github.com/gin-gonic/gin"

	"wallet-txengine/internal/handler"
)

func RegisterQueueRoutes(rg *gin.RouterGroup, h *handler.QueueHandler) {
	queueGroup := rg.Group("/queue")
	{
		queueGroup.GET("/current", h.Current)
		queueGroup.GET("/pending", h.Pending)
		queueGroup.GET("/events", h.Events)
		queueGroup.POST("/advance", h.Advance)
		queueGroup.POST("/retreat", h.Retreat)
		queueGroup.POST("/reject-all", h.RejectAll)
		queueGroup.POST("/:id/resolve", h.Resolve)
	}
}
