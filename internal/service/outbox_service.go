package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"wallet-txengine/internal/model"
	"wallet-txengine/internal/service/mq"
	"wallet-txengine/pkg/logger"
)

const (
	defaultOutboxInterval    = 500 * time.Millisecond
	defaultOutboxBatch       = 50
	defaultOutboxMaxAttempts = 10
)

// OutboxRelay 负责将本地消息表的交易事件搬运到 MQ
type OutboxRelay struct {
	db          *gorm.DB
	producer    mq.Producer
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewOutboxRelay(db *gorm.DB, producer mq.Producer) *OutboxRelay {
	return &OutboxRelay{
		db:          db,
		producer:    producer,
		interval:    defaultOutboxInterval,
		batchSize:   defaultOutboxBatch,
		maxAttempts: defaultOutboxMaxAttempts,
	}
}

// WithMaxAttempts 发送失败达到次数后标记为 FAILED, 不再重试
func (s *OutboxRelay) WithMaxAttempts(n int) *OutboxRelay {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// Start 阻塞运行直到 ctx 取消
func (s *OutboxRelay) Start(ctx context.Context) {
	logger.Info("Outbox relay started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := s.ProcessPending(ctx); err != nil {
				logger.Error("outbox relay round failed", zap.Error(err))
			}
		}
	}
}

// ProcessPending 投递一批 PENDING 消息, 返回成功投递的条数.
// 按 id 升序发送, 同一笔交易的事件在同一分区内保持顺序.
// 某个 key 的消息发送失败后, 本轮跳过该 key 的后续消息.
func (s *OutboxRelay) ProcessPending(ctx context.Context) (int, error) {
	// 1. 获取一批 Pending 消息
	var messages []model.OutboxMessage
	err := s.db.WithContext(ctx).
		Where("status = ?", model.OutboxPending).
		Order("id ASC").
		Limit(s.batchSize).
		Find(&messages).Error
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	logger.Debug("outbox pending messages", zap.Int("count", len(messages)))

	sent := 0
	blocked := make(map[string]bool)
	for i := range messages {
		msg := &messages[i]
		if msg.Key != "" && blocked[msg.Key] {
			continue
		}

		// 2. 发送 MQ
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			blocked[msg.Key] = true
			s.markAttempt(ctx, msg, err)
			continue
		}

		// 3. 更新状态为 SENT
		// 只有发送成功了才更新状态 => at-least-once, 消费方按 tx id + status 幂等
		if err := s.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
			"status":   model.OutboxSent,
			"attempts": msg.Attempts + 1,
		}).Error; err != nil {
			logger.Error("outbox mark sent failed", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *OutboxRelay) markAttempt(ctx context.Context, msg *model.OutboxMessage, cause error) {
	attempts := msg.Attempts + 1
	status := model.OutboxPending
	if attempts >= s.maxAttempts {
		status = model.OutboxFailed
	}
	logger.Warn("outbox publish failed",
		zap.Uint64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Int("attempts", attempts),
		zap.String("status", status),
		zap.Error(cause))

	if err := s.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
		"status":   status,
		"attempts": attempts,
	}).Error; err != nil {
		logger.Error("outbox update attempts failed", zap.Uint64("id", msg.ID), zap.Error(err))
	}
}

// PurgeSent 删除早于 before 的已投递消息, 返回删除条数
func (s *OutboxRelay) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.OutboxSent, before).
		Delete(&model.OutboxMessage{})
	return res.RowsAffected, res.Error
}
