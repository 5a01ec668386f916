// Package lock provides a Redis-backed mutex so that learning jobs for the
// same template never run in two processes at once.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNotHeld is returned when releasing or extending a lease that expired
// or was taken over by another owner.
var ErrNotHeld = eris.New("lock: not held by this owner")

const keyPrefix = "formextract:lock:"

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Config holds the Redis connection and lease settings.
type Config struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// Locker hands out leases on named keys.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an existing client. ttl <= 0 defaults to five minutes.
func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, cfg Config) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "lock: ping redis at %s", cfg.Addr)
	}
	zap.L().Info("lock: connected to redis", zap.String("addr", cfg.Addr))
	return New(client, time.Duration(cfg.LockTTLSecs)*time.Second), nil
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}

// Lease is a held lock. Only the owner that acquired it can release it.
type Lease struct {
	client *redis.Client
	key    string
	value  string
}

// Acquire takes the lock on name without waiting. It returns nil and no
// error when another owner holds it.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	key := keyPrefix + name
	value := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lock: acquire %s", name)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{client: l.client, key: key, value: value}, nil
}

// TryLock adapts Acquire to the job runner's lock seam.
func (l *Locker) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	lease, err := l.Acquire(ctx, name)
	if err != nil || lease == nil {
		return nil, false, err
	}
	return lease.Release, true, nil
}

// Release deletes the key if this lease still owns it.
func (s *Lease) Release(ctx context.Context) error {
	res, err := unlockScript.Run(ctx, s.client, []string{s.key}, s.value).Int64()
	if err != nil {
		return eris.Wrapf(err, "lock: release %s", s.key)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend resets the lease TTL if this lease still owns the key.
func (s *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, s.client, []string{s.key}, s.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return eris.Wrapf(err, "lock: extend %s", s.key)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}
