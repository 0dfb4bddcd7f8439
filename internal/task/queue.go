package task

import "context"

// Handler 处理一条任务消息。Redis 队列会把返回错误的任务放回队尾，
// 内存与 RabbitMQ 队列只记录错误；业务重试由 Processor 重新投递完成。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递待执行的任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的工作协程拉取任务，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是 Service 与 Processor 共用的任务通道。
type Queue interface {
	Producer
	Consumer
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*RabbitMQQueue)(nil)
)
