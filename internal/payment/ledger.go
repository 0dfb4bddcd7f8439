package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind 是账本记录类型。
type Kind string

const (
	KindUpfront      Kind = "upfront"
	KindMicro        Kind = "micro"
	KindStreamSettle Kind = "stream_settle"
	KindEscrowSettle Kind = "escrow_settle"
	KindEscrowRefund Kind = "escrow_refund"
)

// Entry 是一条账本记录。
type Entry struct {
	TxHash    string         `json:"txHash"`
	RunID     string         `json:"runId"`
	Kind      Kind           `json:"kind"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    int64          `json:"amount"`
	AgentName string         `json:"agentName,omitempty"`
	StreamID  string         `json:"streamId,omitempty"`
	EscrowID  string         `json:"escrowId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Filter 过滤账本查询。
type Filter struct {
	RunID    string
	StreamID string
	EscrowID string
	Limit    int
}

// Ledger 保存所有转账记录。
type Ledger interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// MemoryLedger 是进程内账本。
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

// Record 实现 Ledger。
func (l *MemoryLedger) Record(_ context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

// List 实现 Ledger，按时间先后返回。
func (l *MemoryLedger) List(_ context.Context, f Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range l.entries {
		if f.RunID != "" && e.RunID != f.RunID {
			continue
		}
		if f.StreamID != "" && e.StreamID != f.StreamID {
			continue
		}
		if f.EscrowID != "" && e.EscrowID != f.EscrowID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Sum 计算一组记录的总金额。
func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}
