package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"wallet-txengine/pkg/logger"
)

// KafkaConsumer 实现 Consumer 接口
type KafkaConsumer struct {
	brokers    []string
	groupID    string
	maxRetries int
	reader     *kafka.Reader
}

// NewKafkaConsumer 创建 Kafka 消费者
func NewKafkaConsumer(brokers []string, groupID string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:    brokers,
		groupID:    groupID,
		maxRetries: 5,
	}
}

// Subscribe 订阅 Kafka 主题, 阻塞直到 ctx 取消
func (c *KafkaConsumer) Subscribe(ctx context.Context, topic string, handler Handler) error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     c.groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		StartOffset: kafka.FirstOffset,
	})
	defer c.reader.Close()

	logger.Info("[Kafka MQ] 开始监听主题", zap.String("topic", topic), zap.String("group", c.groupID))

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("[Kafka MQ] 读取消息错误", zap.Error(err))
			time.Sleep(1 * time.Second)
			continue
		}

		msg := &Message{
			ID:       fmt.Sprintf("%d:%d", m.Partition, m.Offset),
			Topic:    topic,
			Key:      string(m.Key),
			Payload:  m.Value,
			Metadata: headers(m.Headers),
		}

		// 同一分区内必须按顺序处理, 失败时原地重试, 超过次数后跳过
		if err := c.handleWithRetry(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("[Kafka MQ] 多次处理失败, 跳过消息", zap.String("id", msg.ID), zap.String("key", msg.Key), zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			logger.Warn("[Kafka MQ] 提交 Offset 失败", zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) handleWithRetry(ctx context.Context, msg *Message, handler Handler) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err = handler(msg); err == nil {
			return nil
		}
		logger.Warn("[Kafka MQ] 业务处理失败", zap.String("id", msg.ID), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}
	return err
}

func headers(hs []kafka.Header) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
