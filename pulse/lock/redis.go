package lock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/teranos/fhirlake/errors"
)

// The key's value is "<holder>|<token>".

// acquireScript sets the key if absent or held by the same holder.
// KEYS[1] lock key; ARGV: value, ttl ms, holder
var acquireScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or string.sub(cur, 1, #ARGV[3] + 1) == ARGV[3] .. '|' then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// renewScript extends the ttl if the value is unchanged.
// KEYS[1] lock key; ARGV: value, ttl ms
var renewScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key if the value is unchanged.
// KEYS[1] lock key; ARGV: value
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLock stores a lease as a key with a PX expiry
type RedisLock struct {
	client  goredis.UniversalClient
	name    string
	timeNow func() time.Time
}

var _ JobLock = (*RedisLock)(nil)

// NewRedisLock creates a lock stored under fhirlake:lock:<name>
func NewRedisLock(client goredis.UniversalClient, name string) *RedisLock {
	return &RedisLock{client: client, name: name, timeNow: time.Now}
}

func (l *RedisLock) key() string {
	return "fhirlake:lock:" + l.name
}

func leaseValue(lease *Lease) string {
	return lease.HolderID + "|" + lease.Token
}

// Acquire takes the lease when the key is absent or already held by holderID
func (l *RedisLock) Acquire(ctx context.Context, holderID string, duration time.Duration) (*Lease, error) {
	if strings.Contains(holderID, "|") {
		return nil, errors.Newf("holder id %q must not contain '|'", holderID)
	}
	lease := &Lease{
		Name:      l.name,
		HolderID:  holderID,
		Token:     uuid.NewString(),
		ExpiresAt: l.timeNow().Add(duration),
	}
	n, err := acquireScript.Run(ctx, l.client, []string{l.key()},
		leaseValue(lease), duration.Milliseconds(), holderID).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock %s", l.name)
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrAlreadyHeld, "lock %s", l.name)
	}
	return lease, nil
}

// Renew extends the lease while the stored value is still this lease's
func (l *RedisLock) Renew(ctx context.Context, lease *Lease, duration time.Duration) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key()},
		leaseValue(lease), duration.Milliseconds()).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to renew lock %s", lease.Name)
	}
	if n == 0 {
		return errors.Wrapf(ErrLockLost, "lock %s held by another token", lease.Name)
	}
	lease.ExpiresAt = l.timeNow().Add(duration)
	return nil
}

// Release deletes the key if it still holds this lease
func (l *RedisLock) Release(ctx context.Context, lease *Lease) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key()}, leaseValue(lease)).Err(); err != nil {
		return errors.Wrapf(err, "failed to release lock %s", lease.Name)
	}
	return nil
}
