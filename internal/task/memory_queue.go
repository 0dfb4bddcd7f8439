package task

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/pkg/logger"
)

// MemoryQueue 是进程内的任务通道，单机部署与测试使用。
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan string
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 投递任务；队列已满时阻塞到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	// 发送期间持有读锁，Close 需要等待在途投递结束后才能关闭 channel。
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- taskID:
		return nil
	}
}

// Len 返回尚未被消费的任务数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Consume 启动 workerCount 个协程消费任务，ctx 结束或队列关闭后返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("memory-queue")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case taskID, ok := <-q.ch:
					if !ok {
						return nil
					}
					if err := handler(gctx, taskID); err != nil {
						log.Debug("任务处理返回错误", slog.String("task_id", taskID), slog.Any("error", err))
					}
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Close 关闭队列，之后的 Publish 返回错误，消费者在取完剩余任务后退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
