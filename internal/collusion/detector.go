// Package collusion 在雇佣发生前检查可疑的雇佣关系，并维护进程级的雇佣历史。
package collusion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/pkg/logger"
)

// Rule 标识触发拦截的规则。
type Rule string

const (
	RuleSelfHire           Rule = "self_hire"
	RuleSameOwnerFrequency Rule = "same_owner_frequency"
	RulePairFrequency      Rule = "pair_frequency"
	RulePriceEscalation    Rule = "price_escalation"
)

// Hire 描述一次待检查的雇佣。
type Hire struct {
	HirerID    uint64
	HirerName  string
	HirerOwner common.Address
	HireeID    uint64
	HireeName  string
	HireeOwner common.Address
	Capability string
	Price      int64
}

// Decision 是检查结论。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    Rule   `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Thresholds 控制各规则的阈值。
type Thresholds struct {
	MaxSameOwnerHires int
	MaxPairHires      int
	MinPriceSamples   int
	EscalationFactor  float64
}

// DefaultThresholds 返回默认阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxSameOwnerHires: 25,
		MaxPairHires:      10,
		MinPriceSamples:   3,
		EscalationFactor:  1.5,
	}
}

// Detector 实现雇佣前检查。CheckHire 不修改历史，RecordHire 只在放行后调用。
type Detector struct {
	store      Store
	thresholds Thresholds
	now        func() time.Time
	log        *slog.Logger

	locksMu    sync.Mutex
	locks      map[pairKey]*sync.Mutex
	ownerLocks map[ownerKey]*sync.Mutex
}

type pairKey struct{ hirer, hiree uint64 }

// ownerKey 不区分方向，同一对所有者之间的雇佣共用一把锁。
type ownerKey struct{ a, b common.Address }

func newOwnerKey(x, y common.Address) ownerKey {
	if x.Cmp(y) > 0 {
		x, y = y, x
	}
	return ownerKey{x, y}
}

// Option 自定义检测器。
type Option func(*Detector)

// WithThresholds 覆盖默认阈值，零值字段保持默认。
func WithThresholds(t Thresholds) Option {
	return func(d *Detector) {
		def := d.thresholds
		if t.MaxSameOwnerHires > 0 {
			def.MaxSameOwnerHires = t.MaxSameOwnerHires
		}
		if t.MaxPairHires > 0 {
			def.MaxPairHires = t.MaxPairHires
		}
		if t.MinPriceSamples > 0 {
			def.MinPriceSamples = t.MinPriceSamples
		}
		if t.EscalationFactor > 0 {
			def.EscalationFactor = t.EscalationFactor
		}
		d.thresholds = def
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDetector 创建检测器，store 为空时使用内存存储。
func NewDetector(store Store, opts ...Option) *Detector {
	if store == nil {
		store = NewMemoryStore(0)
	}
	d := &Detector{
		store:      store,
		thresholds: DefaultThresholds(),
		now:        time.Now,
		log:        logger.Named("collusion"),
		locks:      make(map[pairKey]*sync.Mutex),
		ownerLocks: make(map[ownerKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckHire 根据历史判断是否放行，不产生副作用。
func (d *Detector) CheckHire(ctx context.Context, h Hire) (Decision, error) {
	if h.HirerID == h.HireeID {
		return deny(RuleSelfHire, "代理不能雇佣自己"), nil
	}
	hist, err := d.store.Snapshot(ctx, h)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取雇佣历史失败")
	}
	return d.evaluate(h, hist), nil
}

func (d *Detector) evaluate(h Hire, hist History) Decision {
	t := d.thresholds
	if h.HirerOwner == h.HireeOwner && hist.OwnerPairCount >= t.MaxSameOwnerHires {
		return deny(RuleSameOwnerFrequency,
			fmt.Sprintf("同一所有者之间已雇佣 %d 次，上限 %d", hist.OwnerPairCount, t.MaxSameOwnerHires))
	}
	if hist.PairCount >= t.MaxPairHires {
		return deny(RulePairFrequency,
			fmt.Sprintf("%s 已雇佣 %s %d 次，上限 %d", h.HirerName, h.HireeName, hist.PairCount, t.MaxPairHires))
	}
	if len(hist.RecentPrices) >= t.MinPriceSamples {
		var sum int64
		for _, p := range hist.RecentPrices {
			sum += p
		}
		avg := float64(sum) / float64(len(hist.RecentPrices))
		if float64(h.Price) > avg*t.EscalationFactor {
			return deny(RulePriceEscalation,
				fmt.Sprintf("价格 %d 超过历史均价 %.0f 的 %.2f 倍", h.Price, avg, t.EscalationFactor))
		}
	}
	return Decision{Allowed: true}
}

// RecordHire 把放行的雇佣写入历史。
func (d *Detector) RecordHire(ctx context.Context, h Hire) error {
	if err := d.store.Append(ctx, h, d.now().UTC()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入雇佣历史失败")
	}
	return nil
}

// CheckAndRecord 在所有者对与代理对的锁内完成检查与记录，放行时才记录。
// 两把锁总是先所有者后代理对，不同代理但同一所有者的并发雇佣也会串行。
func (d *Detector) CheckAndRecord(ctx context.Context, h Hire) (Decision, error) {
	owners, pair := d.hireLocks(h)
	owners.Lock()
	defer owners.Unlock()
	pair.Lock()
	defer pair.Unlock()

	decision, err := d.CheckHire(ctx, h)
	if err != nil || !decision.Allowed {
		if err == nil {
			d.log.WarnContext(ctx, "雇佣被拦截",
				slog.String("hirer", h.HirerName),
				slog.String("hiree", h.HireeName),
				slog.String("rule", string(decision.Rule)),
				slog.String("reason", decision.Reason))
		}
		return decision, err
	}
	if err := d.RecordHire(ctx, h); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// History 返回某对雇佣关系的历史快照。
func (d *Detector) History(ctx context.Context, h Hire) (History, error) {
	return d.store.Snapshot(ctx, h)
}

func (d *Detector) hireLocks(h Hire) (owners, pair *sync.Mutex) {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	key := newOwnerKey(h.HirerOwner, h.HireeOwner)
	if owners = d.ownerLocks[key]; owners == nil {
		owners = &sync.Mutex{}
		d.ownerLocks[key] = owners
	}
	pk := pairKey{h.HirerID, h.HireeID}
	if pair = d.locks[pk]; pair == nil {
		pair = &sync.Mutex{}
		d.locks[pk] = pair
	}
	return owners, pair
}

func deny(rule Rule, reason string) Decision {
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}
