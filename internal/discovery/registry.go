// Package discovery 负责按能力发现可雇佣的代理，并维护代理信誉。
package discovery

import (
	"context"

	"Mosaic-Protocol/internal/market"
)

// Registry 按能力返回候选代理。
type Registry interface {
	Discover(ctx context.Context, capability string) ([]market.AgentOption, error)
}

// Reputation 接收任务完成反馈。
type Reputation interface {
	RecordTaskCompletion(ctx context.Context, tokenID uint64, success bool) error
}

// ReputationFanout 把反馈同时写入多个后端，返回第一个错误。
type ReputationFanout []Reputation

// RecordTaskCompletion 实现 Reputation。
func (f ReputationFanout) RecordTaskCompletion(ctx context.Context, tokenID uint64, success bool) error {
	var first error
	for _, r := range f {
		if r == nil {
			continue
		}
		if err := r.RecordTaskCompletion(ctx, tokenID, success); err != nil && first == nil {
			first = err
		}
	}
	return first
}
