// Package auction 实现按能力的密封报价拍卖：从发现服务取得候选，
// 过滤价格上限与排除名单，按信誉与价格打分选出唯一赢家。
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"Mosaic-Protocol/internal/discovery"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/pkg/logger"
)

// Bid 是一个候选的报价与得分。
type Bid struct {
	Agent market.AgentOption `json:"agent"`
	Score float64            `json:"score"`
}

// Result 是一次拍卖的结果。
type Result struct {
	Capability string             `json:"capability"`
	Hirer      string             `json:"hirer"`
	Winner     market.AgentOption `json:"winner"`
	Bids       []Bid              `json:"bids"`
}

// Auctioneer 为某个能力选出赢家；没有合格候选时返回 nil, nil。
type Auctioneer interface {
	RunAuction(ctx context.Context, capability, hirerName string, opts ...RunOption) (*Result, error)
}

type runOptions struct {
	runID    string
	maxPrice int64
	exclude  map[uint64]struct{}
}

// RunOption 调整单次拍卖。
type RunOption func(*runOptions)

// WithRunID 指定事件所属的运行。
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithMaxPrice 只接受价格不超过 max 的候选，max 小于等于 0 表示不限。
func WithMaxPrice(max int64) RunOption {
	return func(o *runOptions) { o.maxPrice = max }
}

// Exclude 排除指定代理，通常是发起雇佣的代理本身。
func Exclude(tokenIDs ...uint64) RunOption {
	return func(o *runOptions) {
		for _, id := range tokenIDs {
			o.exclude[id] = struct{}{}
		}
	}
}

// House 是基于发现服务的拍卖行。
type House struct {
	registry discovery.Registry
	sink     events.Sink
	log      *slog.Logger
}

// Option 自定义拍卖行。
type Option func(*House)

// WithEvents 指定事件投递通道。
func WithEvents(sink events.Sink) Option {
	return func(h *House) {
		if sink != nil {
			h.sink = sink
		}
	}
}

// NewHouse 创建拍卖行。
func NewHouse(registry discovery.Registry, opts ...Option) *House {
	h := &House{registry: registry, sink: events.Nop, log: logger.Named("auction")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunAuction 实现 Auctioneer。
func (h *House) RunAuction(ctx context.Context, capability, hirerName string, opts ...RunOption) (*Result, error) {
	o := runOptions{exclude: make(map[uint64]struct{})}
	for _, opt := range opts {
		opt(&o)
	}
	em := events.NewEmitter(h.sink, o.runID)

	candidates, err := h.registry.Discover(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("发现 %s 代理失败: %w", capability, err)
	}
	eligible := candidates[:0:0]
	for _, c := range candidates {
		if !c.IsActive || c.Capability != capability {
			continue
		}
		if _, skip := o.exclude[c.TokenID]; skip {
			continue
		}
		if o.maxPrice > 0 && c.Price > o.maxPrice {
			continue
		}
		eligible = append(eligible, c.WithFormattedPrice())
	}
	em.Emit(ctx, events.TypeAuctionStart, map[string]any{
		"capability": capability, "hirer": hirerName,
		"candidates": len(candidates), "eligible": len(eligible),
	})
	if len(eligible) == 0 {
		h.log.InfoContext(ctx, "拍卖没有合格候选", slog.String("capability", capability), slog.Int("candidates", len(candidates)))
		return nil, nil
	}

	bids := Score(eligible)
	for _, b := range bids {
		em.Emit(ctx, events.TypeAuctionBid, map[string]any{
			"capability": capability, "agent": b.Agent.Name, "tokenId": b.Agent.TokenID,
			"price": b.Agent.PriceFormatted, "reputation": b.Agent.Reputation, "score": b.Score,
		})
	}
	winner := bids[0]
	em.Emit(ctx, events.TypeAuctionWinner, map[string]any{
		"capability": capability, "hirer": hirerName, "agent": winner.Agent.Name,
		"tokenId": winner.Agent.TokenID, "price": winner.Agent.PriceFormatted, "score": winner.Score,
	})
	h.log.DebugContext(ctx, "拍卖完成",
		slog.String("capability", capability),
		slog.String("winner", winner.Agent.Name),
		slog.Int("bids", len(bids)))
	return &Result{Capability: capability, Hirer: hirerName, Winner: winner.Agent, Bids: bids}, nil
}

// Score 为候选打分并按得分降序排列，同分时 token_id 小者优先。
//
// 得分为信誉除以归一化价格，归一化价格为 0.5 + 0.5*price/maxPrice，取值 [0.5, 1]。
func Score(agents []market.AgentOption) []Bid {
	var maxPrice int64
	for _, a := range agents {
		if a.Price > maxPrice {
			maxPrice = a.Price
		}
	}
	bids := make([]Bid, 0, len(agents))
	for _, a := range agents {
		norm := 1.0
		if maxPrice > 0 {
			norm = 0.5 + 0.5*float64(a.Price)/float64(maxPrice)
		}
		bids = append(bids, Bid{Agent: a, Score: a.Reputation / norm})
	}
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Score != bids[j].Score {
			return bids[i].Score > bids[j].Score
		}
		return bids[i].Agent.TokenID < bids[j].Agent.TokenID
	})
	return bids
}
