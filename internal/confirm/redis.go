package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/go-steward/internal/guard"
	"github.com/basket/go-steward/internal/metrics"
	"github.com/basket/go-steward/internal/shared"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisBroker shares prepared transactions between processes. Each token is
// a hash with fields record, used and expires_at_ms.
type RedisBroker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Expiry is compared against the caller's clock in ARGV[1]; the Redis TTL
// only reclaims memory.
var (
	consumeScript = redis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'record', 'used', 'expires_at_ms')
if not rec[1] then return false end
if tonumber(rec[3]) <= tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	return false
end
if rec[2] == '1' then return {rec[1], '1'} end
redis.call('HSET', KEYS[1], 'used', '1')
return {rec[1], '0'}
`)
	markScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at_ms')
if not exp then return 0 end
if tonumber(exp) <= tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	return 0
end
redis.call('HSET', KEYS[1], 'used', '1')
return 1
`)
)

func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "steward:confirm:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisBroker{client: client, prefix: prefix, ttl: ClampTTL(cfg.TTL)}, nil
}

func (b *RedisBroker) key(token string) string { return b.prefix + token }

func (b *RedisBroker) Prepare(ctx context.Context, intent guard.TxIntent, preview string) (Ticket, error) {
	p, err := newPrepared(intent, preview, shared.Now(ctx), b.ttl)
	if err != nil {
		return Ticket{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Ticket{}, fmt.Errorf("encode prepared transaction: %w", err)
	}
	key := b.key(p.Token)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "record", data, "used", "0", "expires_at_ms", p.ExpiresAt.UnixMilli())
		pipe.PExpire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return Ticket{}, fmt.Errorf("store prepared transaction: %w", err)
	}
	metrics.Confirmations.WithLabelValues("prepared").Inc()
	return p.ticket(), nil
}

func (b *RedisBroker) Resolve(ctx context.Context, token string) (*Prepared, error) {
	key := b.key(token)
	vals, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	p, err := decodePrepared(vals["record"])
	if err != nil {
		return nil, err
	}
	if p.expired(shared.Now(ctx)) {
		if err := b.client.Del(ctx, key).Err(); err != nil {
			return nil, fmt.Errorf("evict token: %w", err)
		}
		metrics.Confirmations.WithLabelValues("expired").Inc()
		return nil, ErrNotFound
	}
	p.Used = vals["used"] == "1"
	return p, nil
}

func (b *RedisBroker) MarkUsed(ctx context.Context, token string) error {
	n, err := markScript.Run(ctx, b.client, []string{b.key(token)}, nowArg(ctx)).Int()
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	metrics.Confirmations.WithLabelValues("marked_used").Inc()
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, token string) (*Prepared, error) {
	res, err := consumeScript.Run(ctx, b.client, []string{b.key(token)}, nowArg(ctx)).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("consume token: unexpected reply %v", res)
	}
	if res[1] == "1" {
		metrics.Confirmations.WithLabelValues("reuse_rejected").Inc()
		return nil, ErrAlreadyUsed
	}
	p, err := decodePrepared(res[0])
	if err != nil {
		return nil, err
	}
	p.Used = true
	metrics.Confirmations.WithLabelValues("consumed").Inc()
	return p, nil
}

func (b *RedisBroker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func nowArg(ctx context.Context) string {
	return strconv.FormatInt(shared.Now(ctx).UnixMilli(), 10)
}

func decodePrepared(raw string) (*Prepared, error) {
	var p Prepared
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode prepared transaction: %w", err)
	}
	return &p, nil
}
