package query

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisSnapshots struct {
	client *redis.Client
	ctx    context.Context
	cfg    config
}

var _ SnapshotStore = (*redisSnapshots)(nil)

// NewRedisSnapshots returns a SnapshotStore backed by Redis. Each key maps
// to a hash with fields "v" (payload) and "t" (fetch time, unix nanos);
// expiry uses native Redis TTL. An optional prefix (WithPrefix) namespaces
// multiple deployments on one instance. The caller owns the redis.Client
// lifecycle; Close does not close the client.
func NewRedisSnapshots(ctx context.Context, client *redis.Client, opts ...Option) SnapshotStore {
	return &redisSnapshots{
		client: client,
		ctx:    ctx,
		cfg:    applyOptions(opts),
	}
}

func (r *redisSnapshots) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.cfg.snapshotTimeout)
}

func (r *redisSnapshots) redisKey(key Key) string {
	k := fmt.Sprintf("%s:%016x", key.Operation(), key.Hash())
	if r.cfg.prefix == "" {
		return k
	}
	return r.cfg.prefix + ":" + k
}

func (r *redisSnapshots) Load(ctx context.Context, key Key) (bool, Snapshot, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	vals, err := r.client.HMGet(qctx, r.redisKey(key), "v", "t").Result()
	if err != nil {
		return false, Snapshot{}, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return false, Snapshot{}, nil
	}
	data, ok := vals[0].(string)
	if !ok {
		return false, Snapshot{}, nil
	}
	nanos, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return false, Snapshot{}, err
	}
	return true, Snapshot{Data: []byte(data), FetchedAt: time.Unix(0, nanos)}, nil
}

func (r *redisSnapshots) Save(ctx context.Context, key Key, snap Snapshot, ttl time.Duration) error {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	k := r.redisKey(key)
	pipe := r.client.Pipeline()
	pipe.HSet(qctx, k, "v", snap.Data, "t", strconv.FormatInt(snap.FetchedAt.UnixNano(), 10))
	if ttl > 0 {
		pipe.Expire(qctx, k, ttl)
	}
	_, err := pipe.Exec(qctx)
	return err
}

func (r *redisSnapshots) Close() error { return nil }
