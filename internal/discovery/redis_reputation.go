package discovery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	redisstore "Mosaic-Protocol/internal/storage/redis"
)

// RedisReputation 在 Redis 中累计每个代理的完成次数，多个实例共享。
type RedisReputation struct {
	client *redis.Client
	prefix string
}

// NewRedisReputation 创建 Redis 信誉计数器，client 由调用方管理。
func NewRedisReputation(client *redis.Client, prefix string) *RedisReputation {
	return &RedisReputation{client: client, prefix: redisstore.Key(prefix, "reputation")}
}

func (r *RedisReputation) key(tokenID uint64) string {
	return redisstore.Key(r.prefix, strconv.FormatUint(tokenID, 10))
}

// RecordTaskCompletion 实现 Reputation。
func (r *RedisReputation) RecordTaskCompletion(ctx context.Context, tokenID uint64, success bool) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, r.key(tokenID), "tasks", 1)
		if success {
			pipe.HIncrBy(ctx, r.key(tokenID), "successes", 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入信誉计数失败: %w", err)
	}
	return nil
}

// Stats 返回累计的任务数与成功数。
func (r *RedisReputation) Stats(ctx context.Context, tokenID uint64) (tasks, successes int64, err error) {
	vals, err := r.client.HGetAll(ctx, r.key(tokenID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("读取信誉计数失败: %w", err)
	}
	tasks, _ = strconv.ParseInt(vals["tasks"], 10, 64)
	successes, _ = strconv.ParseInt(vals["successes"], 10, 64)
	return tasks, successes, nil
}
