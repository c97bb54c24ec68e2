package observer

import (
	"context"
	"time"

	"wallet-txengine/internal/service/controller"
)

// ChainObserver 定义了链上对账驱动器的通用行为
type ChainObserver interface {
	// Start 启动, ctx 取消时所有 goroutine 退出
	Start(ctx context.Context) error

	// Stop 等待正在进行的对账结束
	Stop() error

	// Height 返回该链最近一轮对账看到的区块高度
	Height(chainID uint64) uint64
}

// Poller *controller.Controller 满足
type Poller interface {
	Poll(ctx context.Context, chainID uint64) (*controller.PollResult, error)
}

// Target 一条被观察的链
type Target struct {
	ChainID  uint64
	Interval time.Duration
}
