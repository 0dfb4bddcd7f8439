// Package protocol 定义代理之间的结构化请求与响应，以及能力契约校验。
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ResponseFormat 是调用方期望的响应形态。
type ResponseFormat string

const (
	FormatText       ResponseFormat = "text"
	FormatJSON       ResponseFormat = "json"
	FormatStructured ResponseFormat = "structured"
)

// ActionExecute 是所有能力都支持的通用动作。
const ActionExecute = "execute"

// Operator 是链式条件的比较方式。
type Operator string

const (
	OpExists   Operator = "exists"
	OpEquals   Operator = "eq"
	OpNotEqual Operator = "neq"
	OpGreater  Operator = "gt"
	OpLess     Operator = "lt"
	OpContains Operator = "contains"
)

// Condition 在响应数据上求值，决定是否继续链式调用。
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
}

// Chain 描述后续调用与失败回退。
type Chain struct {
	Condition          *Condition    `json:"condition,omitempty"`
	Next               *AgentRequest `json:"next,omitempty"`
	FallbackCapability string        `json:"fallbackCapability,omitempty"`
}

// AgentRequest 是代理之间的结构化请求。
type AgentRequest struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	FromTokenID      uint64         `json:"fromTokenId"`
	TargetCapability string         `json:"targetCapability"`
	Action           string         `json:"action"`
	Params           map[string]any `json:"params"`
	ResponseFormat   ResponseFormat `json:"responseFormat"`
	Priority         int            `json:"priority"`
	Timeout          time.Duration  `json:"timeout"`
	Chain            *Chain         `json:"chain,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// AgentResponse 是对 AgentRequest 的结构化应答。
type AgentResponse struct {
	RequestID  string         `json:"requestId"`
	From       string         `json:"from"`
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Raw        string         `json:"raw,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Cost       int64          `json:"cost"`
	Error      string         `json:"error,omitempty"`
	Next       *AgentResponse `json:"next,omitempty"`
}

// NewRequest 创建带编号的 execute 请求。
func NewRequest(from string, fromTokenID uint64, capability string, params map[string]any) AgentRequest {
	if params == nil {
		params = map[string]any{}
	}
	return AgentRequest{
		ID:               uuid.NewString(),
		From:             from,
		FromTokenID:      fromTokenID,
		TargetCapability: capability,
		Action:           ActionExecute,
		Params:           params,
		ResponseFormat:   FormatText,
		CreatedAt:        time.Now().UTC(),
	}
}

// Fallback 返回把目标能力替换为 capability 的请求副本。
func (r AgentRequest) Fallback(capability string) AgentRequest {
	fb := r
	fb.ID = uuid.NewString()
	fb.TargetCapability = capability
	fb.Chain = nil
	fb.CreatedAt = time.Now().UTC()
	return fb
}

// StringParam 读取字符串参数。
func (r AgentRequest) StringParam(name string) string {
	v, _ := r.Params[name].(string)
	return v
}
