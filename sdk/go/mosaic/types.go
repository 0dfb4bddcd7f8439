package mosaic

import "time"

// Task statuses reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TaskSubmission is the payload accepted by POST /api/v1/tasks. Either Goal or
// Quote must be set.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Goal     string         `json:"goal,omitempty"`
	Wallet   string         `json:"wallet,omitempty"`
	Quote    *Quote         `json:"quote,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task is a queued orchestration job.
type Task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Goal       string         `json:"goal"`
	Wallet     string         `json:"wallet,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *RunResult     `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Finished reports whether the task reached a terminal status.
func (t Task) Finished() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// TaskStats aggregates task counts by status.
type TaskStats struct {
	Total     int   `json:"total"`
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Retrying  int   `json:"retrying"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	TotalCost int64 `json:"total_cost"`
}

// Plan is the capability breakdown produced by the coordinator's planner.
type Plan struct {
	Understanding        string    `json:"understanding"`
	RequiredCapabilities []string  `json:"requiredCapabilities"`
	Subtasks             []Subtask `json:"subtasks"`
	FinalDeliverable     string    `json:"finalDeliverable"`
}

// Subtask is one unit of a plan.
type Subtask struct {
	Capability string `json:"capability"`
	Task       string `json:"task"`
	Priority   int    `json:"priority"`
}

// Agent describes a marketplace agent as priced in a quote.
type Agent struct {
	TokenID    uint64  `json:"tokenId"`
	Name       string  `json:"name"`
	Capability string  `json:"capability"`
	Wallet     string  `json:"wallet,omitempty"`
	Owner      string  `json:"owner,omitempty"`
	Price      int64   `json:"price"`
	Reputation float64 `json:"reputation"`
	Endpoint   string  `json:"endpoint,omitempty"`
	IsActive   bool    `json:"isActive"`
}

// Quote fixes the agents and price of a task ahead of execution.
type Quote struct {
	QuoteID      string    `json:"quoteId"`
	Task         string    `json:"task"`
	Plan         Plan      `json:"plan"`
	Agents       []Agent   `json:"agents"`
	TotalPrice   int64     `json:"totalPrice"`
	EscrowTaskID string    `json:"escrowTaskId,omitempty"`
	PayerWallet  string    `json:"payerWallet,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AgentUsage records one paid hire within a run.
type AgentUsage struct {
	TokenID       uint64 `json:"tokenId"`
	Name          string `json:"name"`
	Capability    string `json:"capability"`
	Owner         string `json:"owner"`
	Cost          int64  `json:"cost"`
	CostFormatted string `json:"costFormatted"`
	HiredBy       string `json:"hiredBy"`
	Autonomous    bool   `json:"autonomous"`
	Depth         int    `json:"depth"`
	Verified      bool   `json:"verified"`
}

// SkippedSubtask explains why a subtask produced no output.
type SkippedSubtask struct {
	Capability string `json:"capability"`
	Task       string `json:"task"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// RunResult is the outcome of one orchestration run.
type RunResult struct {
	RunID                   string           `json:"runId"`
	Success                 bool             `json:"success"`
	Output                  string           `json:"output"`
	Plan                    *Plan            `json:"plan,omitempty"`
	TotalCost               int64            `json:"totalCost"`
	TotalCostFormatted      string           `json:"totalCostFormatted"`
	AgentsUsed              []AgentUsage     `json:"agentsUsed"`
	Decisions               int              `json:"decisions"`
	AutonomousDecisions     int              `json:"autonomousDecisions"`
	VerificationsCompleted  int              `json:"verificationsCompleted"`
	VerificationsSuccessful int              `json:"verificationsSuccessful"`
	MicroPayments           int              `json:"microPayments"`
	Skipped                 []SkippedSubtask `json:"skipped,omitempty"`
	Error                   string           `json:"error,omitempty"`
	ErrorCode               string           `json:"errorCode,omitempty"`
	StartedAt               time.Time        `json:"startedAt"`
	CompletedAt             time.Time        `json:"completedAt"`
}

// RunRequest drives the synchronous endpoints.
type RunRequest struct {
	Task   string `json:"task,omitempty"`
	Quote  *Quote `json:"quote,omitempty"`
	Wallet string `json:"wallet,omitempty"`
	RunID  string `json:"runId,omitempty"`
}
