package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

const popTimeout = time.Second

// RedisQueue keeps one list per priority tier so several server processes can
// share a backlog. Items are LPUSHed and BRPOPed, which keeps each tier FIFO;
// BRPOP checks keys in argument order, so tiers are listed highest first.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	keys   []string
	tiers  map[int]string
}

// NewRedisQueue connects to addr (redis:// URL or host:port)
func NewRedisQueue(ctx context.Context, addr, prefix string) (*RedisQueue, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisQueueFromClient(client, prefix), nil
}

// NewRedisQueueFromClient wraps an existing client
func NewRedisQueueFromClient(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "whisperq"
	}
	q := &RedisQueue{
		client: client,
		prefix: prefix,
		tiers:  make(map[int]string),
	}
	for _, p := range types.Priorities() {
		key := q.prefix + ":queue:p" + strconv.Itoa(p)
		q.keys = append(q.keys, key)
		q.tiers[p] = key
	}
	return q
}

func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &redis.UniversalOptions{
		Addrs:     []string{opt.Addr},
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

// Push appends the item to its tier's list
func (q *RedisQueue) Push(ctx context.Context, item Item) error {
	key, ok := q.tiers[item.Priority]
	if !ok {
		return fmt.Errorf("no queue tier for priority %d", item.Priority)
	}
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("failed to push job %s: %w", item.JobID, err)
	}
	return nil
}

// Pop blocks on all tiers at once
func (q *RedisQueue) Pop(ctx context.Context) (Item, error) {
	for {
		res, err := q.client.BRPop(ctx, popTimeout, q.keys...).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Item{}, ErrClosed
			}
			return Item{}, fmt.Errorf("failed to pop job: %w", err)
		}

		var item Item
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return Item{}, fmt.Errorf("corrupt queue entry in %s: %w", res[0], err)
		}
		return item, nil
	}
}

// Len sums the length of every tier
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	total := 0
	for _, key := range q.keys {
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		total += int(n)
	}
	return total, nil
}

// Durable is true: the lists outlive the process
func (q *RedisQueue) Durable() bool { return true }

// Close closes the client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
