package mq

import "context"

// Message 一条从 outbox 投递出来的事件
type Message struct {
	ID       string // Redis Stream ID 或 kafka "partition:offset"
	Topic    string
	Key      string // 交易事件用 tx id 作分区键, 同一笔交易的状态按顺序到达
	Payload  []byte // event 包中的 JSON
	Metadata map[string]string
}

// Handler 返回 error 时消息不确认, 由具体实现决定重投或跳过
type Handler func(msg *Message) error

type Producer interface {
	// Publish key 为空时由 broker 自行分区
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}

type Consumer interface {
	// Subscribe 阻塞直到 ctx 取消
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
