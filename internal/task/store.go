package task

import (
	"context"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/market"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result *market.TaskExecutionResult) error
	// MarkFailed 写入失败结果；terminal 为 false 时任务进入 retrying 状态等待重新领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, result *market.TaskExecutionResult, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
