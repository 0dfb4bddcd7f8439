// Package events 定义编排过程中对外广播的进度事件以及各类投递通道。
package events

import (
	"context"
	"time"
)

// Type 是事件类型。UI 依赖这些名字，修改前需要同步前端。
type Type string

const (
	TypeTaskPlan     Type = "task:plan"
	TypeTaskComplete Type = "task:complete"
	TypeTaskFailed   Type = "task:failed"
	TypeAgentStatus  Type = "agent:status"
	TypeDecision     Type = "decision"
	TypeSkipped      Type = "subtask:skipped"

	TypeAuctionStart  Type = "auction:start"
	TypeAuctionBid    Type = "auction:bid"
	TypeAuctionWinner Type = "auction:winner"

	TypeCollusionBlocked Type = "collusion:blocked"
	TypeAutonomyHire     Type = "autonomy:hire"

	TypePaymentSent     Type = "payment:sent"
	TypePaymentFailed   Type = "payment:failed"
	TypeOwnerEarning    Type = "owner:earning"
	TypeStreamOpen      Type = "stream:open"
	TypeStreamMicro     Type = "stream:micropayment"
	TypeStreamSettled   Type = "stream:settled"
	TypeEscrowSettled   Type = "escrow:settled"
	TypeEscrowRefunded  Type = "escrow:refunded"
	TypeEscrowFailed    Type = "escrow:failed"
	TypeReputationSaved Type = "reputation:updated"

	TypeVerificationStart           Type = "verification:start"
	TypeVerificationJobCreated      Type = "verification:job_created"
	TypeVerificationCommitted       Type = "verification:committed"
	TypeVerificationProofGenerating Type = "verification:proof_generating"
	TypeVerificationProofGenerated  Type = "verification:proof_generated"
	TypeVerificationVerified        Type = "verification:verified"
	TypeVerificationFailed          Type = "verification:failed"
	TypeVerificationComplete        Type = "verification:complete"
)

// Event 是一条进度事件。
type Event struct {
	Type      Type           `json:"type"`
	RunID     string         `json:"runId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New 构造事件并填充时间戳。
func New(typ Type, runID string, payload map[string]any) Event {
	return Event{Type: typ, RunID: runID, Timestamp: time.Now().UTC(), Payload: payload}
}

// Sink 接收事件。投递是尽力而为的，实现不得阻塞编排流程，也不返回错误。
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// SinkFunc 把函数适配为 Sink。
type SinkFunc func(ctx context.Context, evt Event)

// Emit 实现 Sink。
func (f SinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// Nop 丢弃所有事件。
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// Emitter 把运行编号绑定到 Sink 上，减少调用方重复传参。
type Emitter struct {
	sink  Sink
	runID string
}

// NewEmitter 创建绑定运行编号的发射器，sink 为空时丢弃事件。
func NewEmitter(sink Sink, runID string) Emitter {
	if sink == nil {
		sink = Nop
	}
	return Emitter{sink: sink, runID: runID}
}

// Emit 发送一条事件。
func (e Emitter) Emit(ctx context.Context, typ Type, payload map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(ctx, New(typ, e.runID, payload))
}

// RunID 返回绑定的运行编号。
func (e Emitter) RunID() string { return e.runID }
