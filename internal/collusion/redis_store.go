package collusion

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	redisstore "Mosaic-Protocol/internal/storage/redis"
)

// RedisStore 把雇佣历史保存在 Redis 中，多个实例共享同一份历史。
type RedisStore struct {
	client *redis.Client
	prefix string
	window int
}

// NewRedisStore 创建 Redis 存储，client 由调用方管理。
func NewRedisStore(client *redis.Client, prefix string, window int) *RedisStore {
	if window <= 0 {
		window = DefaultPriceWindow
	}
	return &RedisStore{client: client, prefix: redisstore.Key(prefix, "collusion"), window: window}
}

func (s *RedisStore) pairKey(h Hire) string {
	return redisstore.Key(s.prefix, "pair", strconv.FormatUint(h.HirerID, 10), strconv.FormatUint(h.HireeID, 10))
}

func (s *RedisStore) ownerKey(h Hire) string {
	return redisstore.Key(s.prefix, "owner", h.HirerOwner.Hex(), h.HireeOwner.Hex())
}

func (s *RedisStore) pricesKey(h Hire) string {
	return redisstore.Key(s.prefix, "prices", strconv.FormatUint(h.HireeID, 10))
}

// Snapshot 实现 Store。
func (s *RedisStore) Snapshot(ctx context.Context, h Hire) (History, error) {
	pipe := s.client.Pipeline()
	pairCmd := pipe.HGetAll(ctx, s.pairKey(h))
	capsCmd := pipe.SMembers(ctx, s.pairKey(h)+":caps")
	ownerCmd := pipe.Get(ctx, s.ownerKey(h))
	pricesCmd := pipe.LRange(ctx, s.pricesKey(h), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return History{}, fmt.Errorf("读取雇佣历史失败: %w", err)
	}

	var hist History
	pair := pairCmd.Val()
	hist.PairCount, _ = strconv.Atoi(pair["count"])
	hist.PairTotalPaid, _ = strconv.ParseInt(pair["total"], 10, 64)
	if last, err := strconv.ParseInt(pair["last"], 10, 64); err == nil {
		hist.LastHire = time.Unix(0, last).UTC()
	}
	hist.Capabilities = capsCmd.Val()
	hist.OwnerPairCount, _ = strconv.Atoi(ownerCmd.Val())
	for _, raw := range pricesCmd.Val() {
		if p, err := strconv.ParseInt(raw, 10, 64); err == nil {
			hist.RecentPrices = append(hist.RecentPrices, p)
		}
	}
	return hist, nil
}

// Append 实现 Store。所有写入在一个 MULTI/EXEC 事务内完成。
func (s *RedisStore) Append(ctx context.Context, h Hire, at time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pk := s.pairKey(h)
		pipe.HIncrBy(ctx, pk, "count", 1)
		pipe.HIncrBy(ctx, pk, "total", h.Price)
		pipe.HSet(ctx, pk, "last", at.UnixNano())
		if h.Capability != "" {
			pipe.SAdd(ctx, pk+":caps", h.Capability)
		}
		pipe.Incr(ctx, s.ownerKey(h))
		pipe.RPush(ctx, s.pricesKey(h), h.Price)
		pipe.LTrim(ctx, s.pricesKey(h), int64(-s.window), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入雇佣历史失败: %w", err)
	}
	return nil
}
