package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wallet-txengine/internal/handler"
	"wallet-txengine/internal/handler/response"
	"wallet-txengine/internal/server/routes"
	"wallet-txengine/pkg/monitor"
	"wallet-txengine/pkg/validator"
)

// Handlers 所有业务 handler
type Handlers struct {
	Tx      *handler.TxHandler
	Queue   *handler.QueueHandler
	Account *handler.AccountHandler
	Chain   *handler.ChainHandler
}

// NewHTTPRouter 初始化并返回一个 Gin Engine
func NewHTTPRouter(h Handlers) *gin.Engine {
	// 0. 初始化监控指标和自定义校验规则
	monitor.Init()
	validator.Init()

	// 1. 创建 Engine (使用默认中间件: Logger, Recovery)
	r := gin.Default()

	// 2. 注册通用中间件
	r.Use(monitor.PrometheusMiddleware())

	// 3. 注册基础路由
	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 4. 注册 API 路由组
	api := r.Group("/api/v1")
	{
		api.GET("/ping", func(c *gin.Context) {
			response.Success(c, gin.H{"pong": true})
		})

		routes.RegisterTransactionRoutes(api, h.Tx)
		routes.RegisterQueueRoutes(api, h.Queue)
		routes.RegisterAccountRoutes(api, h.Account)
		routes.RegisterChainRoutes(api, h.Chain)
	}

	return r
}
