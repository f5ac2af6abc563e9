package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "callcore:presence:"

// RedisDirectory stores one key per agent with a TTL, so an instance that
// dies without cleaning up ages out of the shared view
type RedisDirectory struct {
	rdb *redis.Client
	ttl time.Duration
}

// OpenRedis connects to addr and validates connectivity via PING
func OpenRedis(ctx context.Context, addr string, ttl time.Duration) (*RedisDirectory, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisDirectory{rdb: rdb, ttl: ttl}, nil
}

func (d *RedisDirectory) Upsert(ctx context.Context, agent types.AgentInfo) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", agent.ID, err)
	}
	return d.rdb.Set(ctx, keyPrefix+agent.ID, data, d.ttl).Err()
}

func (d *RedisDirectory) Remove(ctx context.Context, agentID string) error {
	return d.rdb.Del(ctx, keyPrefix+agentID).Err()
}

func (d *RedisDirectory) List(ctx context.Context) ([]types.AgentInfo, error) {
	var keys []string
	iter := d.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return []types.AgentInfo{}, nil
	}

	values, err := d.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence keys: %w", err)
	}

	agents := make([]types.AgentInfo, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var a types.AgentInfo
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			continue
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Close releases the connection pool
func (d *RedisDirectory) Close() error {
	return d.rdb.Close()
}
