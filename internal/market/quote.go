package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Quote 是预先确定代理与价格的报价，资金托管在 EscrowTaskID 对应的托管任务中。
type Quote struct {
	QuoteID      string          `json:"quoteId"`
	Task         string          `json:"task"`
	Plan         TaskPlan        `json:"plan"`
	Agents       []AgentOption   `json:"agents"`
	TotalPrice   int64           `json:"totalPrice"`
	EscrowTaskID string          `json:"escrowTaskId,omitempty"`
	PayerWallet  *common.Address `json:"payerWallet,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// AgentFor 按能力查找报价里的代理。
func (q *Quote) AgentFor(capability string) (AgentOption, bool) {
	for _, agent := range q.Agents {
		if agent.Capability == capability {
			return agent, true
		}
	}
	return AgentOption{}, false
}

// Expired 判断报价在给定时刻是否已过期，零值表示永不过期。
func (q *Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}
