package genlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"auditdesk/api/internal/util"
)

// releaseScript deletes the key only while it still holds our token, so a run
// whose lock expired never frees a lock taken by the next run.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares generation locks between API replicas.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLocker connects to redisURL and checks the connection.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(client, ttl), nil
}

func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, prefix: "genlock:", ttl: ttl, logger: zerolog.Nop()}
}

// WithLogger sets where failed releases are reported.
func (l *RedisLocker) WithLogger(logger zerolog.Logger) *RedisLocker {
	l.logger = logger.With().Str("component", "genlock").Logger()
	return l
}

func (l *RedisLocker) key(procedureID, scope string) string {
	return l.prefix + lockKey(procedureID, scope)
}

func (l *RedisLocker) Acquire(ctx context.Context, procedureID, scope string) (func(), error) {
	key := l.key(procedureID, scope)
	token := util.NewID("")
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire generation lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			deleted, err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Int()
			switch {
			case err != nil:
				// The key still expires after ttl; until then the scope stays busy.
				l.logger.Error().Err(err).Str("key", key).Msg("release generation lock")
			case deleted == 0:
				l.logger.Warn().Str("key", key).Dur("ttl", l.ttl).Msg("generation lock expired before release")
			}
		})
	}, nil
}

// Ping checks if Redis is reachable
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
