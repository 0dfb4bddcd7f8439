package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HiredAgent 描述代理在执行期间雇佣的下级代理。
type HiredAgent struct {
	TokenID uint64 `json:"tokenId"`
	Name    string `json:"name"`
	Cost    int64  `json:"cost"`
}

// VerificationSummary 是可验证执行的结论。
type VerificationSummary struct {
	Verified   bool   `json:"verified"`
	JobID      string `json:"jobId,omitempty"`
	Commitment string `json:"commitment,omitempty"`
	TxHash     string `json:"txHash,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AgentResult 是一次代理执行的结果，创建后不再修改。
type AgentResult struct {
	Success        bool                 `json:"success"`
	Output         string               `json:"output"`
	StructuredData map[string]any       `json:"structuredData,omitempty"`
	TokensUsed     int                  `json:"tokensUsed"`
	ToolsUsed      []string             `json:"toolsUsed,omitempty"`
	SubAgentsHired []HiredAgent         `json:"subAgentsHired,omitempty"`
	StreamID       string               `json:"streamId,omitempty"`
	MicroPayments  int                  `json:"microPayments,omitempty"`
	Verification   *VerificationSummary `json:"verification,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// AgentUsage 是 agentsUsed 中的一条记录。
type AgentUsage struct {
	TokenID       uint64         `json:"tokenId"`
	Name          string         `json:"name"`
	Capability    string         `json:"capability"`
	Owner         common.Address `json:"owner"`
	Cost          int64          `json:"cost"`
	CostFormatted string         `json:"costFormatted"`
	HiredBy       string         `json:"hiredBy"`
	Autonomous    bool           `json:"autonomous"`
	Depth         int            `json:"depth"`
	Verified      bool           `json:"verified"`
}

// EarningTx 是所有者收到的一笔款项。
type EarningTx struct {
	AgentName string    `json:"agentName"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// OwnerEarnings 汇总单次运行内某个所有者的收益。
type OwnerEarnings struct {
	Owner         common.Address `json:"owner"`
	Total         int64          `json:"total"`
	TotalEarnings string         `json:"totalEarnings"`
	Agents        []string       `json:"agents"`
	Transactions  []EarningTx    `json:"transactions"`
}

// SkippedSubtask 记录被跳过的子任务与原因。
type SkippedSubtask struct {
	Capability string `json:"capability"`
	Task       string `json:"task"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// TaskExecutionResult 是一次运行的最终产物。
type TaskExecutionResult struct {
	RunID                   string           `json:"runId"`
	Success                 bool             `json:"success"`
	Output                  string           `json:"output"`
	Plan                    *TaskPlan        `json:"plan,omitempty"`
	TotalCost               int64            `json:"totalCost"`
	TotalCostFormatted      string           `json:"totalCostFormatted"`
	AgentsUsed              []AgentUsage     `json:"agentsUsed"`
	OwnersEarned            []OwnerEarnings  `json:"ownersEarned"`
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
