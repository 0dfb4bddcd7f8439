package protocol

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "Mosaic-Protocol/internal/errors"
)

// Invoker 真正执行一次请求，由雇佣流程提供。
type Invoker func(ctx context.Context, req AgentRequest) (*AgentResponse, error)

// Dispatcher 校验请求、施加超时并处理链式调用与失败回退。
type Dispatcher struct {
	contracts      *ContractTable
	defaultTimeout time.Duration
	maxChain       int
}

// DispatcherOption 自定义调度器。
type DispatcherOption func(*Dispatcher)

// WithDefaultTimeout 设置请求未指定超时时使用的超时。
func WithDefaultTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.defaultTimeout = d }
}

// WithMaxChain 限制单次调用中链式请求的数量。
func WithMaxChain(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.maxChain = n
		}
	}
}

// NewDispatcher 创建调度器，contracts 为空时使用内置契约表。
func NewDispatcher(contracts *ContractTable, opts ...DispatcherOption) *Dispatcher {
	if contracts == nil {
		contracts = DefaultContracts()
	}
	d := &Dispatcher{contracts: contracts, defaultTimeout: 60 * time.Second, maxChain: 4}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Contracts 返回调度器使用的契约表。
func (d *Dispatcher) Contracts() *ContractTable { return d.contracts }

// Call 执行请求。校验失败时不会调用 invoke；超时视为失败。
func (d *Dispatcher) Call(ctx context.Context, req AgentRequest, invoke Invoker) (*AgentResponse, error) {
	return d.call(ctx, req, invoke, 0)
}

func (d *Dispatcher) call(ctx context.Context, req AgentRequest, invoke Invoker, hops int) (*AgentResponse, error) {
	if err := d.contracts.Validate(req); err != nil {
		return nil, err
	}

	resp, err := d.invokeOnce(ctx, req, invoke)
	failed := err != nil || resp == nil || !resp.Success
	if failed && req.Chain != nil && req.Chain.FallbackCapability != "" && req.Chain.FallbackCapability != req.TargetCapability {
		return d.call(ctx, req.Fallback(req.Chain.FallbackCapability), invoke, hops+1)
	}
	if err != nil {
		return nil, err
	}
	if failed || req.Chain == nil || req.Chain.Next == nil {
		return resp, nil
	}
	if hops+1 >= d.maxChain {
		return resp, nil
	}
	if req.Chain.Condition != nil && !req.Chain.Condition.Evaluate(resp) {
		return resp, nil
	}

	next := *req.Chain.Next
	if next.Params == nil {
		next.Params = map[string]any{}
	}
	if _, ok := next.Params["context"]; !ok && resp.Raw != "" {
		next.Params["context"] = resp.Raw
	}
	nextResp, err := d.call(ctx, next, invoke, hops+1)
	if err != nil {
		resp.Next = &AgentResponse{RequestID: next.ID, Success: false, Error: err.Error()}
		return resp, nil
	}
	resp.Next = nextResp
	return resp, nil
}

func (d *Dispatcher) invokeOnce(ctx context.Context, req AgentRequest, invoke Invoker) (*AgentResponse, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := invoke(callCtx, req)
	// 调用方已返回成功响应时保留结果，即便截止时间随后到期。
	if err == nil && resp == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("请求 %s 超时", req.ID))
		}
		return nil, err
	}
	if resp != nil {
		if resp.RequestID == "" {
			resp.RequestID = req.ID
		}
		if resp.DurationMs == 0 {
			resp.DurationMs = time.Since(started).Milliseconds()
		}
	}
	return resp, nil
}

// Evaluate 在响应上求值条件。字段支持 "success"、"raw" 以及 Data 中的点分路径。
func (c *Condition) Evaluate(resp *AgentResponse) bool {
	if c == nil {
		return true
	}
	if resp == nil {
		return false
	}
	actual, found := lookup(resp, c.Field)
	switch c.Op {
	case OpExists, "":
		return found && actual != nil
	case OpEquals:
		return found && equal(actual, c.Value)
	case OpNotEqual:
		return !found || !equal(actual, c.Value)
	case OpGreater, OpLess:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !found || !okA || !okB {
			return false
		}
		if c.Op == OpGreater {
			return a > b
		}
		return a < b
	case OpContains:
		s, ok := actual.(string)
		needle, ok2 := c.Value.(string)
		return found && ok && ok2 && strings.Contains(s, needle)
	default:
		return false
	}
}

func lookup(resp *AgentResponse, field string) (any, bool) {
	switch field {
	case "success":
		return resp.Success, true
	case "raw":
		return resp.Raw, resp.Raw != ""
	}
	var cur any = resp.Data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
