package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/llm"
)

type stubLLM struct {
	resp *llm.Response
	err  error
	wait time.Duration
	last llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestPlanParsesModelOutput(t *testing.T) {
	client := &stubLLM{resp: &llm.Response{Text: "Here you go:\n```json\n" + `{
		"understanding": "check a token",
		"subtasks": [
			{"capability": "analysis", "task": "judge", "priority": 3},
			{"capability": "research", "task": "collect", "priority": 1},
			{"capability": "teleport", "task": "nope", "priority": 2},
			{"capability": "writing", "task": "  "}
		],
		"finalDeliverable": "report"
	}` + "\n```"}}
	p := New(client)

	plan, err := p.Plan(context.Background(), "is PEPE safe?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Subtasks) != 2 {
		t.Fatalf("expected 2 valid subtasks, got %+v", plan.Subtasks)
	}
	ordered := plan.Ordered()
	if ordered[0].Capability != "research" || ordered[1].Capability != "analysis" {
		t.Fatalf("unexpected order: %+v", ordered)
	}
	if got := strings.Join(plan.RequiredCapabilities, ","); got != "analysis,research" {
		t.Fatalf("unexpected capabilities: %s", got)
	}
	if !client.last.JSON {
		t.Fatalf("planner should request JSON output")
	}
}

func TestPlanWithoutFallbackFails(t *testing.T) {
	p := New(&stubLLM{resp: &llm.Response{Text: "I cannot help"}})
	_, err := p.Plan(context.Background(), "task")
	if !xerrors.HasCode(err, xerrors.CodePlanningFailed) {
		t.Fatalf("expected PLANNING_FAILED, got %v", err)
	}
}

func TestPlanTimeoutUsesFallback(t *testing.T) {
	p := New(&stubLLM{wait: 50 * time.Millisecond}, WithLLMTimeout(10*time.Millisecond), WithFallback(NewKeywordPlanner(nil)))
	plan, err := p.Plan(context.Background(), "what is the price of ETH")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Subtasks) == 0 {
		t.Fatalf("fallback plan should not be empty")
	}
}

func TestSynthesizeWrapsErrors(t *testing.T) {
	p := New(&stubLLM{err: errors.New("boom")})
	_, err := p.Synthesize(context.Background(), "t", nil, map[string]string{"a": "b"})
	if !xerrors.HasCode(err, xerrors.CodeSynthesisFailed) {
		t.Fatalf("expected SYNTHESIS_FAILED, got %v", err)
	}

	client := &stubLLM{resp: &llm.Response{Text: " final "}}
	out, err := New(client).Synthesize(context.Background(), "t", nil, map[string]string{"b": "2", "a": "1"})
	if err != nil || out != "final" {
		t.Fatalf("unexpected synthesis: %q %v", out, err)
	}
	if len(client.last.History) != 2 || client.last.History[0].Agent != "a" {
		t.Fatalf("history should be sorted by key: %+v", client.last.History)
	}
}

func TestKeywordPlanner(t *testing.T) {
	k := NewKeywordPlanner(nil)

	plan, err := k.Plan(context.Background(), "Is this token a rug? Check the price and write a report")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	caps := strings.Join(plan.Capabilities(), ",")
	if caps != "market_data,token_safety_analysis,writing" {
		t.Fatalf("unexpected capabilities: %s", caps)
	}

	plan, _ = k.Plan(context.Background(), "hello there")
	if len(plan.Subtasks) != 2 || plan.Subtasks[0].Capability != "research" || plan.Subtasks[1].Capability != "analysis" {
		t.Fatalf("unexpected default plan: %+v", plan.Subtasks)
	}

	if _, err := k.Plan(context.Background(), "  "); !xerrors.HasCode(err, xerrors.CodePlanningFailed) {
		t.Fatalf("empty task should fail planning, got %v", err)
	}

	out, err := k.Synthesize(context.Background(), "t", plan, map[string]string{"research": "R", "analysis": "A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "## analysis\nA") || !strings.Contains(out, "## research\nR") {
		t.Fatalf("unexpected report: %s", out)
	}
}
