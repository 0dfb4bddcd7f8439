package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"Mosaic-Protocol/internal/market"
)

// CachedRegistry 为下游注册表加一层进程内缓存，并合并同一能力的并发查询。
type CachedRegistry struct {
	next  Registry
	cache *ristretto.Cache[string, []market.AgentOption]
	group singleflight.Group
	ttl   time.Duration
}

// NewCachedRegistry 创建缓存注册表，maxEntries 为缓存的能力数上限。
func NewCachedRegistry(next Registry, maxEntries int64, ttl time.Duration) (*CachedRegistry, error) {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []market.AgentOption]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// 每个能力计 1 个单位，MaxCost 即条目数。
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("创建发现缓存失败: %w", err)
	}
	return &CachedRegistry{next: next, cache: c, ttl: ttl}, nil
}

// Discover 实现 Registry。返回切片是缓存值的副本。
func (c *CachedRegistry) Discover(ctx context.Context, capability string) ([]market.AgentOption, error) {
	if agents, ok := c.cache.Get(capability); ok {
		return append([]market.AgentOption(nil), agents...), nil
	}
	v, err, _ := c.group.Do(capability, func() (any, error) {
		agents, err := c.next.Discover(ctx, capability)
		if err != nil {
			return nil, err
		}
		c.cache.SetWithTTL(capability, agents, 1, c.ttl)
		c.cache.Wait()
		return agents, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]market.AgentOption(nil), v.([]market.AgentOption)...), nil
}

// Invalidate 丢弃某个能力的缓存。
func (c *CachedRegistry) Invalidate(capability string) {
	c.cache.Del(capability)
}

// RecordTaskCompletion 在下游支持时转发信誉反馈，并清空缓存以免读到旧信誉。
func (c *CachedRegistry) RecordTaskCompletion(ctx context.Context, tokenID uint64, success bool) error {
	rep, ok := c.next.(Reputation)
	if !ok {
		return nil
	}
	if err := rep.RecordTaskCompletion(ctx, tokenID, success); err != nil {
		return err
	}
	c.cache.Clear()
	return nil
}

// Close 释放缓存资源。
func (c *CachedRegistry) Close() {
	c.cache.Close()
}
