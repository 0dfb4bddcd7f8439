package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Mosaic-Protocol/internal/errors"
)

func TestEmbeddedContractsParse(t *testing.T) {
	table, err := ParseContracts(defaultContracts)
	require.NoError(t, err)
	assert.Len(t, table.Capabilities(), 8)
	assert.Equal(t, []ParamSpec{
		{Name: "task"}, {Name: "reason", Optional: true}, {Name: "context", Optional: true},
	}, table.actions["research"]["execute"])
	assert.NotPanics(t, func() { DefaultContracts() })
}

func TestValidateRequiredParams(t *testing.T) {
	table := DefaultContracts()

	req := NewRequest("alpha", 1, "dex_routing", map[string]any{"token_in": "USDC", "token_out": "WETH"})
	req.Action = "quote"
	err := table.Validate(req)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidRequest, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "amount")

	req.Params["amount"] = "100"
	assert.NoError(t, table.Validate(req), "chain is optional")
}

func TestValidateRejectsUnknownCapabilityAndAction(t *testing.T) {
	table := DefaultContracts()
	assert.Error(t, table.Validate(NewRequest("a", 1, "teleport", map[string]any{"task": "x"})))

	req := NewRequest("a", 1, "writing", map[string]any{"task": "x"})
	req.Action = "scan"
	assert.Error(t, table.Validate(req))

	req = NewRequest("a", 1, "writing", map[string]any{"task": "  "})
	assert.Error(t, table.Validate(req), "blank required param")
}

func TestParseContractsOptionalSuffix(t *testing.T) {
	table, err := ParseContracts([]byte("capabilities:\n  oracle:\n    read: [\"feed\", \"round?\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"oracle"}, table.Capabilities())

	req := NewRequest("a", 1, "oracle", map[string]any{"feed": "ETH/USD"})
	req.Action = "read"
	assert.NoError(t, table.Validate(req))
}

func TestDispatcherDoesNotInvokeInvalidRequest(t *testing.T) {
	d := NewDispatcher(nil)
	called := false
	_, err := d.Call(context.Background(), NewRequest("a", 1, "writing", nil), func(context.Context, AgentRequest) (*AgentResponse, error) {
		called = true
		return &AgentResponse{Success: true}, nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestDispatcherTimeoutIsFailure(t *testing.T) {
	d := NewDispatcher(nil)
	req := NewRequest("a", 1, "research", map[string]any{"task": "find"})
	req.Timeout = 10 * time.Millisecond

	_, err := d.Call(context.Background(), req, func(ctx context.Context, _ AgentRequest) (*AgentResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestDispatcherKeepsResponseReturnedAtDeadline(t *testing.T) {
	d := NewDispatcher(nil)
	req := NewRequest("a", 1, "research", map[string]any{"task": "find"})
	req.Timeout = 10 * time.Millisecond

	resp, err := d.Call(context.Background(), req, func(ctx context.Context, _ AgentRequest) (*AgentResponse, error) {
		<-ctx.Done()
		return &AgentResponse{Success: true, Raw: "hired and charged"}, nil
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hired and charged", resp.Raw)
}

func TestDispatcherFallsBackOnFailure(t *testing.T) {
	d := NewDispatcher(nil)
	req := NewRequest("a", 1, "research", map[string]any{"task": "find"})
	req.Chain = &Chain{FallbackCapability: "analysis"}

	var seen []string
	resp, err := d.Call(context.Background(), req, func(_ context.Context, r AgentRequest) (*AgentResponse, error) {
		seen = append(seen, r.TargetCapability)
		if r.TargetCapability == "research" {
			return nil, errors.New("agent offline")
		}
		return &AgentResponse{Success: true, Raw: "fallback answer"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"research", "analysis"}, seen)
	assert.Equal(t, "fallback answer", resp.Raw)
}

func TestDispatcherChainsWhenConditionHolds(t *testing.T) {
	d := NewDispatcher(nil)
	next := NewRequest("a", 1, "writing", map[string]any{"task": "write it up"})
	req := NewRequest("a", 1, "analysis", map[string]any{"task": "score"})
	req.Chain = &Chain{Condition: &Condition{Field: "risk.score", Op: OpGreater, Value: 50}, Next: &next}

	resp, err := d.Call(context.Background(), req, func(_ context.Context, r AgentRequest) (*AgentResponse, error) {
		if r.TargetCapability == "analysis" {
			return &AgentResponse{Success: true, Raw: "risky", Data: map[string]any{"risk": map[string]any{"score": 80.0}}}, nil
		}
		assert.Equal(t, "risky", r.Params["context"])
		return &AgentResponse{Success: true, Raw: "report"}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Next)
	assert.Equal(t, "report", resp.Next.Raw)
	assert.Equal(t, req.ID, resp.RequestID)
}

func TestConditionOperators(t *testing.T) {
	resp := &AgentResponse{Success: true, Raw: "x", Data: map[string]any{"verdict": "safe token", "n": 3}}
	assert.True(t, (&Condition{Field: "verdict", Op: OpContains, Value: "safe"}).Evaluate(resp))
	assert.True(t, (&Condition{Field: "n", Op: OpEquals, Value: 3.0}).Evaluate(resp))
	assert.True(t, (&Condition{Field: "n", Op: OpLess, Value: 4}).Evaluate(resp))
	assert.True(t, (&Condition{Field: "missing", Op: OpNotEqual, Value: 1}).Evaluate(resp))
	assert.False(t, (&Condition{Field: "missing", Op: OpExists}).Evaluate(resp))
	assert.True(t, (&Condition{Field: "success", Op: OpEquals, Value: true}).Evaluate(resp))
}
