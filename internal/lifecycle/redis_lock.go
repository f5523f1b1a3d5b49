package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes operations per id across replicas sharing a redis.
// The TTL bounds how long a crashed holder blocks an instance and must exceed
// the longest backend timeout.
type RedisLocker struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
	policy LockPolicy
	logger *zap.Logger
}

type RedisLockerOptions struct {
	Prefix string
	TTL    time.Duration
	Poll   time.Duration
	Policy LockPolicy
	Logger *zap.Logger
}

func NewRedisLocker(rdb redis.Cmdable, opts RedisLockerOptions) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "provisioner:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.Poll <= 0 {
		opts.Poll = 100 * time.Millisecond
	}
	if opts.Policy == "" {
		opts.Policy = LockWait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisLocker{
		rdb:    rdb,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		poll:   opts.Poll,
		policy: opts.Policy,
		logger: opts.Logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, id string) (func(), error) {
	key := l.prefix + id
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if l.policy == LockReject {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be done; the key must still go
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
				l.logger.Warn("release instance lock", zap.String("id", id), zap.Error(err))
			}
		})
	}, nil
}
