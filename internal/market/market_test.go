package market

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedIsStableByPriority(t *testing.T) {
	plan := &TaskPlan{Subtasks: []Subtask{
		{Capability: "writing", Priority: 2},
		{Capability: "research", Priority: 1},
		{Capability: "analysis", Priority: 2},
		{Capability: "summary", Priority: 1},
	}}

	ordered := plan.Ordered()
	got := make([]string, 0, len(ordered))
	for _, st := range ordered {
		got = append(got, st.Capability)
	}
	assert.Equal(t, []string{"research", "summary", "writing", "analysis"}, got)
	assert.Equal(t, "writing", plan.Subtasks[0].Capability, "plan must not be reordered in place")
}

func TestCapabilitiesFallsBackToSubtasks(t *testing.T) {
	plan := &TaskPlan{Subtasks: []Subtask{{Capability: "a"}, {Capability: "b"}, {Capability: "a"}}}
	assert.Equal(t, []string{"a", "b"}, plan.Capabilities())
}

func TestFormatAndParseUSDC(t *testing.T) {
	cases := map[int64]string{
		0:         "0",
		1:         "0.000001",
		500000:    "0.5",
		1250000:   "1.25",
		100000000: "100",
		-20000:    "-0.02",
	}
	for amount, want := range cases {
		assert.Equal(t, want, FormatUSDC(amount), "amount %d", amount)
	}

	v, err := ParseUSDC("1.25")
	require.NoError(t, err)
	assert.Equal(t, int64(1250000), v)
	_, err = ParseUSDC("0.0000001")
	assert.Error(t, err)
}

func TestRecordChargeKeepsCostsConserved(t *testing.T) {
	ownerA := common.HexToAddress("0xa")
	ownerB := common.HexToAddress("0xb")
	run := NewRunState()

	run.RecordCharge(AgentUsage{Name: "alpha", Owner: ownerA, Cost: 500000})
	run.RecordCharge(AgentUsage{Name: "beta", Owner: ownerB, Cost: 300000, Autonomous: true, Depth: 1})
	run.RecordCharge(AgentUsage{Name: "alpha", Owner: ownerA, Cost: 250000})

	res := run.Result(nil, "done", "", "")
	var usedSum, earnedSum int64
	for _, u := range res.AgentsUsed {
		usedSum += u.Cost
	}
	for _, e := range res.OwnersEarned {
		earnedSum += e.Total
	}
	assert.Equal(t, int64(1050000), res.TotalCost)
	assert.Equal(t, res.TotalCost, usedSum)
	assert.Equal(t, res.TotalCost, earnedSum)

	require.Len(t, res.OwnersEarned, 2)
	assert.Equal(t, ownerA, res.OwnersEarned[0].Owner)
	assert.Equal(t, []string{"alpha"}, res.OwnersEarned[0].Agents)
	assert.Len(t, res.OwnersEarned[0].Transactions, 2)
	assert.Equal(t, "0.75", res.OwnersEarned[0].TotalEarnings)
	assert.True(t, res.Success)
}

func TestRunStateCounters(t *testing.T) {
	run := NewRunState()
	run.RecordVerification(false)
	run.RecordVerification(true)
	run.RecordDecision(Decision{Kind: "hire"})
	run.RecordDecision(Decision{Kind: "hire", Autonomous: true})
	run.AddMicroPayments(3)

	res := run.Result(nil, "", "PLANNING_FAILED", "boom")
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.VerificationsCompleted)
	assert.Equal(t, 1, res.VerificationsSuccessful)
	assert.Equal(t, 2, res.Decisions)
	assert.Equal(t, 1, res.AutonomousDecisions)
	assert.Equal(t, 3, res.MicroPayments)
}

func TestDelegationReserve(t *testing.T) {
	d := &Delegation{Ceiling: 1000}
	assert.True(t, d.Reserve(600))
	assert.False(t, d.Reserve(500))
	d.Release(600)
	assert.Equal(t, int64(1000), d.Remaining())

	run := NewRunState()
	agent := common.HexToAddress("0xc")
	run.SetDelegation(&Delegation{Delegator: agent, Ceiling: 100})
	run.Delegation(agent).Reserve(40)
	run.SetDelegation(&Delegation{Delegator: agent, Ceiling: 200})
	assert.Equal(t, int64(160), run.Delegation(agent).Remaining())
}

func TestTaskContextMergeAndDepth(t *testing.T) {
	ctx := NewTaskContext("task", 0, nil)
	require.Equal(t, DefaultMaxDepth, ctx.MaxDepth)

	ctx.Merge("alpha", "alpha", "research", "first", map[string]any{"k": 1})
	ctx.Merge("alpha", "alpha", "research", "second", nil)
	assert.Equal(t, "second", ctx.PreviousResults["alpha"])
	assert.Equal(t, map[string]any{"k": 1}, ctx.StructuredResults["research"])
	assert.Len(t, ctx.ConversationHistory, 2)

	restore := ctx.Descend()
	assert.Equal(t, 1, ctx.Depth)
	restore()
	assert.Equal(t, 0, ctx.Depth)
}

func TestQuoteLookupAndExpiry(t *testing.T) {
	q := &Quote{Agents: []AgentOption{{Name: "a", Capability: "research"}}}
	agent, ok := q.AgentFor("research")
	require.True(t, ok)
	assert.Equal(t, "a", agent.Name)
	_, ok = q.AgentFor("writing")
	assert.False(t, ok)

	now := time.Now()
	assert.False(t, q.Expired(now))
	q.ExpiresAt = now.Add(-time.Second)
	assert.True(t, q.Expired(now))
}
