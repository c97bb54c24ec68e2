package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"wallet-txengine/internal/event"
	"wallet-txengine/internal/service/mq"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/wallet/types"
)

// 至少一次投递, 同一条事件在窗口内只处理一次
const dedupeTTL = time.Hour

// TxEventHandler 消费交易状态事件
type TxEventHandler struct {
	seen    cache.Cache
	handled int
	onFinal func(e event.TxStatusChangedEvent)
}

func NewTxEventHandler(seen cache.Cache) *TxEventHandler {
	return &TxEventHandler{seen: seen}
}

// OnFinal 交易进入终态时回调
func (h *TxEventHandler) OnFinal(fn func(e event.TxStatusChangedEvent)) {
	h.onFinal = fn
}

func dedupeKey(e event.TxStatusChangedEvent) string {
	return "tx_event:" + e.TxID + ":" + e.Status
}

func (h *TxEventHandler) Handle(msg *mq.Message) error {
	var e event.TxStatusChangedEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		logger.Error("解析消息失败", zap.String("msg_id", msg.ID), zap.Error(err))
		return nil // 格式错误，不再重试
	}

	ctx := context.Background()
	key := dedupeKey(e)
	var seen bool
	if err := h.seen.Get(ctx, key, &seen); err == nil && seen {
		logger.Debug("重复事件, 跳过", zap.String("tx_id", e.TxID), zap.String("status", e.Status))
		return nil
	}

	fields := []zap.Field{
		zap.String("tx_id", e.TxID),
		zap.Uint64("chain_id", e.ChainID),
		zap.String("from", e.From),
		zap.String("prev_status", e.PrevStatus),
		zap.String("status", e.Status),
	}
	if e.Hash != "" {
		fields = append(fields, zap.String("hash", e.Hash))
	}
	if e.ErrorName != "" {
		fields = append(fields, zap.String("error", e.ErrorName))
	}

	if types.TxStatus(e.Status).IsTerminal() {
		logger.Info("交易已结束", fields...)
		if h.onFinal != nil {
			h.onFinal(e)
		}
	} else {
		logger.Debug("交易状态变化", fields...)
	}

	if err := h.seen.Set(ctx, key, true, dedupeTTL); err != nil {
		logger.Warn("记录已处理事件失败", zap.String("tx_id", e.TxID), zap.Error(err))
	}
	h.handled++
	return nil
}
