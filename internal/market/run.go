package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Delegation 是付款方授权给某个代理用于自主雇佣的预算上限。
type Delegation struct {
	Payer     common.Address `json:"payer"`
	Delegator common.Address `json:"delegator"`
	Ceiling   int64          `json:"ceiling"`
	Spent     int64          `json:"spent"`
}

// Remaining 返回剩余可用预算。
func (d *Delegation) Remaining() int64 {
	if d == nil {
		return 0
	}
	return d.Ceiling - d.Spent
}

// Reserve 在预算充足时占用 amount 并返回 true。
func (d *Delegation) Reserve(amount int64) bool {
	if d == nil || amount < 0 || amount > d.Remaining() {
		return false
	}
	d.Spent += amount
	return true
}

// Release 归还此前占用但最终未支付的金额。
func (d *Delegation) Release(amount int64) {
	if d == nil || amount <= 0 {
		return
	}
	d.Spent -= amount
	if d.Spent < 0 {
		d.Spent = 0
	}
}

// Decision 是运行过程中的一次决策记录。
type Decision struct {
	Kind       string    `json:"kind"`
	Agent      string    `json:"agent"`
	Detail     string    `json:"detail"`
	Autonomous bool      `json:"autonomous"`
	At         time.Time `json:"at"`
}

// RunState 持有一次运行内的全部可变簿记，每次运行新建，运行结束后丢弃。
//
// 与 TaskContext 一样只被运行所在的 goroutine 访问。
type RunState struct {
	RunID     string
	StartedAt time.Time

	agentsUsed  []AgentUsage
	earnings    map[common.Address]*OwnerEarnings
	ownerOrder  []common.Address
	totalCost   int64
	decisions   []Decision
	autonomous  int
	verifyDone  int
	verifyOK    int
	micro       int
	skipped     []SkippedSubtask
	delegations map[common.Address]*Delegation
}

// NewRunState 创建新的运行状态。
func NewRunState() *RunState {
	return &RunState{
		RunID:       uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		earnings:    make(map[common.Address]*OwnerEarnings),
		delegations: make(map[common.Address]*Delegation),
	}
}

// RecordCharge 在同一处更新 agentsUsed、所有者收益与总成本，保证三者相等。
func (s *RunState) RecordCharge(usage AgentUsage) {
	usage.CostFormatted = FormatUSDC(usage.Cost)
	s.agentsUsed = append(s.agentsUsed, usage)
	s.totalCost += usage.Cost

	earn, ok := s.earnings[usage.Owner]
	if !ok {
		earn = &OwnerEarnings{Owner: usage.Owner}
		s.earnings[usage.Owner] = earn
		s.ownerOrder = append(s.ownerOrder, usage.Owner)
	}
	earn.Total += usage.Cost
	earn.TotalEarnings = FormatUSDC(earn.Total)
	if !containsString(earn.Agents, usage.Name) {
		earn.Agents = append(earn.Agents, usage.Name)
	}
	earn.Transactions = append(earn.Transactions, EarningTx{
		AgentName: usage.Name,
		Amount:    usage.Cost,
		Timestamp: time.Now().UTC(),
	})
}

// RecordDecision 记录一次雇佣决策。
func (s *RunState) RecordDecision(d Decision) {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	s.decisions = append(s.decisions, d)
	if d.Autonomous {
		s.autonomous++
	}
}

// RecordVerification 统计一次验证，无论成功与否都计入完成数。
func (s *RunState) RecordVerification(verified bool) {
	s.verifyDone++
	if verified {
		s.verifyOK++
	}
}

// AddMicroPayments 累加流式微支付次数。
func (s *RunState) AddMicroPayments(n int) {
	s.micro += n
}

// Skip 记录一个被跳过的子任务。
func (s *RunState) Skip(st SkippedSubtask) {
	s.skipped = append(s.skipped, st)
}

// Delegation 返回某个代理钱包的预算授权。
func (s *RunState) Delegation(delegator common.Address) *Delegation {
	return s.delegations[delegator]
}

// SetDelegation 保存预算授权，同一代理重复授权会覆盖上限但保留已花费金额。
func (s *RunState) SetDelegation(d *Delegation) {
	if prev, ok := s.delegations[d.Delegator]; ok {
		d.Spent = prev.Spent
	}
	s.delegations[d.Delegator] = d
}

// TotalCost 返回当前累计成本。
func (s *RunState) TotalCost() int64 { return s.totalCost }

// AgentsUsed 返回已计费代理的副本。
func (s *RunState) AgentsUsed() []AgentUsage {
	return append([]AgentUsage(nil), s.agentsUsed...)
}

// Decisions 返回决策日志副本。
func (s *RunState) Decisions() []Decision {
	return append([]Decision(nil), s.decisions...)
}

// Skipped 返回被跳过的子任务。
func (s *RunState) Skipped() []SkippedSubtask {
	return append([]SkippedSubtask(nil), s.skipped...)
}

// Earnings 按首次收款顺序返回所有者收益。
func (s *RunState) Earnings() []OwnerEarnings {
	out := make([]OwnerEarnings, 0, len(s.ownerOrder))
	for _, owner := range s.ownerOrder {
		e := *s.earnings[owner]
		e.Agents = append([]string(nil), e.Agents...)
		e.Transactions = append([]EarningTx(nil), e.Transactions...)
		out = append(out, e)
	}
	return out
}

// Result 组装最终结果。errCode 为空表示成功。
func (s *RunState) Result(plan *TaskPlan, output, errCode, errMsg string) *TaskExecutionResult {
	return &TaskExecutionResult{
		RunID:                   s.RunID,
		Success:                 errCode == "",
		Output:                  output,
		Plan:                    plan,
		TotalCost:               s.totalCost,
		TotalCostFormatted:      FormatUSDC(s.totalCost),
		AgentsUsed:              s.AgentsUsed(),
		OwnersEarned:            s.Earnings(),
		Decisions:               len(s.decisions),
		AutonomousDecisions:     s.autonomous,
		VerificationsCompleted:  s.verifyDone,
		VerificationsSuccessful: s.verifyOK,
		MicroPayments:           s.micro,
		Skipped:                 s.Skipped(),
		Error:                   errMsg,
		ErrorCode:               errCode,
		StartedAt:               s.StartedAt,
		CompletedAt:             time.Now().UTC(),
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
