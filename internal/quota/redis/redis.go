// Package redis provides a Redis-backed counter store for quota and overage
// records. Counters are shared by every instance pointing at the same Redis.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ogimage/internal/domain"
)

// Store is a Redis-backed domain.CounterStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ domain.CounterStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "ogimage:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Store on a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: "ogimage:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// incrScript increments a counter and sets its expiry on first use.
// KEYS[1] = counter key
// ARGV[1] = ttl in milliseconds (0 = no expiry)
var incrScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if n == 1 and ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return n
`)

func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.client, []string{s.keyPrefix + key}, ttl.Milliseconds()).Int64()
}

func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.keyPrefix+key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return n, err
}
