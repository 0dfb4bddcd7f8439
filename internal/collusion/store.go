package collusion

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultPriceWindow 是每个被雇佣代理保留的近期价格数量。
const DefaultPriceWindow = 20

// History 是一次检查所需的历史快照。
type History struct {
	PairCount      int       `json:"pairCount"`
	PairTotalPaid  int64     `json:"pairTotalPaid"`
	OwnerPairCount int       `json:"ownerPairCount"`
	RecentPrices   []int64   `json:"recentPrices"`
	Capabilities   []string  `json:"capabilities"`
	LastHire       time.Time `json:"lastHire"`
}

// Store 保存进程级的雇佣历史，实现需保证并发安全。
type Store interface {
	Snapshot(ctx context.Context, h Hire) (History, error)
	Append(ctx context.Context, h Hire, at time.Time) error
}

type pairRecord struct {
	count int
	total int64
	caps  []string
	last  time.Time
}

type ownerPair struct{ a, b common.Address }

// MemoryStore 是默认的内存实现。
type MemoryStore struct {
	mu     sync.RWMutex
	window int
	pairs  map[pairKey]*pairRecord
	owners map[ownerPair]int
	prices map[uint64][]int64
}

// NewMemoryStore 创建内存存储，window 控制保留的价格样本数。
func NewMemoryStore(window int) *MemoryStore {
	if window <= 0 {
		window = DefaultPriceWindow
	}
	return &MemoryStore{
		window: window,
		pairs:  make(map[pairKey]*pairRecord),
		owners: make(map[ownerPair]int),
		prices: make(map[uint64][]int64),
	}
}

// Snapshot 实现 Store。
func (s *MemoryStore) Snapshot(_ context.Context, h Hire) (History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := History{
		OwnerPairCount: s.owners[ownerPair{h.HirerOwner, h.HireeOwner}],
		RecentPrices:   append([]int64(nil), s.prices[h.HireeID]...),
	}
	if rec, ok := s.pairs[pairKey{h.HirerID, h.HireeID}]; ok {
		hist.PairCount = rec.count
		hist.PairTotalPaid = rec.total
		hist.Capabilities = append([]string(nil), rec.caps...)
		hist.LastHire = rec.last
	}
	return hist, nil
}

// Append 实现 Store。
func (s *MemoryStore) Append(_ context.Context, h Hire, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{h.HirerID, h.HireeID}
	rec, ok := s.pairs[key]
	if !ok {
		rec = &pairRecord{}
		s.pairs[key] = rec
	}
	rec.count++
	rec.total += h.Price
	rec.last = at
	if h.Capability != "" && !contains(rec.caps, h.Capability) {
		rec.caps = append(rec.caps, h.Capability)
	}
	s.owners[ownerPair{h.HirerOwner, h.HireeOwner}]++

	prices := append(s.prices[h.HireeID], h.Price)
	if len(prices) > s.window {
		prices = prices[len(prices)-s.window:]
	}
	s.prices[h.HireeID] = prices
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
