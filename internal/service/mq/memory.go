package mq

import (
	"context"
	"sync"
)

// MemoryProducer 在进程内记录消息, 用于未配置 Redis/Kafka 的开发环境和测试
type MemoryProducer struct {
	mu       sync.Mutex
	messages []Message
	// FailNext 大于 0 时, 接下来的若干次 Publish 返回 Err
	FailNext int
	Err      error
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

func (p *MemoryProducer) Publish(_ context.Context, topic string, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext > 0 {
		p.FailNext--
		return p.Err
	}
	p.messages = append(p.messages, Message{Topic: topic, Key: key, Payload: append([]byte(nil), payload...)})
	return nil
}

// Messages 返回指定主题的消息
func (p *MemoryProducer) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
