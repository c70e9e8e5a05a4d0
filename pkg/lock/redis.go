package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis/v7"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/guid"
)

const (
	DefaultTTL     = 30 * time.Second
	InitialBackoff = 50 * time.Millisecond
	MaxBackoff     = 2 * time.Second
)

var ErrAcquireTimeout = errors.New("timed out acquiring lock")

var (
	// Only the holder may extend or delete a lock; the token proves
	// who that is.
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	MaxConns int

	// How long a lock outlives a director that stops refreshing it
	TTL time.Duration
	// Zero means wait as long as the context allows
	AcquireTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clockwork.Clock
	Logger         log.Logger
}

// Redis is a Locker shared by every director using the same Redis.
// A lock is a key holding a random token, set with NX and an expiry
// that a background loop keeps extending while the lock is held.
type Redis struct {
	client *redis.Client
	config RedisConfig
	logger log.Logger
}

var _ Locker = &Redis{}

func NewRedisClient(config RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		PoolSize:     config.MaxConns,
	})
}

func NewRedis(client *redis.Client, config RedisConfig) *Redis {
	if config.TTL == 0 {
		config.TTL = DefaultTTL
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = MaxBackoff
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}
	return &Redis{
		client: client,
		config: config,
		logger: log.With(config.Logger, "component", "lock"),
	}
}

func (r *Redis) WithLock(ctx context.Context, key string, f func() error) (err error) {
	token := guid.New()
	if err := r.acquire(ctx, key, token); err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.refresh(key, token, stop)
	}()
	defer func() {
		close(stop)
		<-done
		if _, relErr := releaseScript.Run(r.client, []string{key}, token).Result(); relErr != nil {
			r.logger.Log("err", errors.Wrap(relErr, "releasing lock"), "key", key)
			if err == nil {
				err = errors.Wrapf(relErr, "releasing lock %s", key)
			}
		}
	}()
	return f()
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	b := &backoff{
		initial: r.config.InitialBackoff,
		max:     r.config.MaxBackoff,
	}
	var deadline <-chan time.Time
	if r.config.AcquireTimeout > 0 {
		deadline = r.config.Clock.After(r.config.AcquireTimeout)
	}
	for {
		ok, err := r.client.SetNX(key, token, r.config.TTL).Result()
		if err != nil {
			return errors.Wrapf(err, "acquiring lock %s", key)
		}
		if ok {
			return nil
		}
		b.Failure()
		select {
		case <-r.config.Clock.After(b.Wait()):
		case <-deadline:
			return errors.Wrap(ErrAcquireTimeout, key)
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for lock %s", key)
		}
	}
}

func (r *Redis) refresh(key, token string, stop <-chan struct{}) {
	ttl := fmt.Sprint(int64(r.config.TTL / time.Millisecond))
	for {
		select {
		case <-r.config.Clock.After(r.config.TTL / 3):
			n, err := refreshScript.Run(r.client, []string{key}, token, ttl).Int()
			if err != nil {
				r.logger.Log("err", errors.Wrap(err, "refreshing lock"), "key", key)
				continue
			}
			if n == 0 {
				r.logger.Log("err", "lock lost before release", "key", key)
				return
			}
		case <-stop:
			return
		}
	}
}
