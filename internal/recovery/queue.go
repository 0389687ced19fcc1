// Package recovery 负责重放"已付款未领取"的发钥流程。
// 付款签名已落盘的报价在进程崩溃或领取失败后，由恢复队列驱动重试，
// 避免用户重复付款。
package recovery

import (
	"context"
)

// Handler 处理来自恢复队列的报价 ID。
type Handler func(ctx context.Context, quoteID string) error

// Producer 负责向队列投递待重放的报价。
type Producer interface {
	Publish(ctx context.Context, quoteID string) error
	Close() error
}

// Consumer 负责从队列中消费待重放的报价。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
