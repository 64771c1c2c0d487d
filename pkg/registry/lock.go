package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaderKey  = "capacity:leader"
	lockPrefix = "lock:"
)

// renewScript extends a lease only while the caller still holds it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lease only while the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireLeader attempts to take the capacity leader lease.
func (r *Registry) AcquireLeader(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, leaderKey, holder, ttl).Result()
}

// RenewLeader extends the lease if holder still owns it. Returns false when
// the lease was lost, at which point the caller must stop acting as leader.
func (r *Registry) RenewLeader(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.rdb, []string{leaderKey}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLeader gives up the lease if holder still owns it.
func (r *Registry) ReleaseLeader(ctx context.Context, holder string) error {
	return releaseScript.Run(ctx, r.rdb, []string{leaderKey}, holder).Err()
}

// AcquireLock takes a named distributed lock with a TTL. Used by the key
// rotation job to prevent double-rotation across replicas.
func (r *Registry) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, lockPrefix+name, holder, ttl).Result()
}

// ReleaseLock releases a named lock if holder still owns it.
func (r *Registry) ReleaseLock(ctx context.Context, name, holder string) error {
	return releaseScript.Run(ctx, r.rdb, []string{lockPrefix + name}, holder).Err()
}
