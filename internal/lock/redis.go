package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lease taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry forward while the lease is still ours.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lease lock shared by every process pointing at the same server.
// A held lease is renewed every ttl/3; if its holder dies it expires after
// ttl.
type Redis struct {
	cli    *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	log    *zap.SugaredLogger
}

func NewRedis(ctx context.Context, addr, prefix string, ttl, wait time.Duration, log *zap.SugaredLogger) (*Redis, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return &Redis{cli: cli, prefix: prefix, ttl: ttl, wait: wait, log: log}, nil
}

// Lock polls SET NX with exponential backoff until the lease is taken, ctx
// ends or the wait budget runs out (ErrLocked).
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	fullKey := r.prefix + key

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = r.wait

	op := func() error {
		ok, err := r.cli.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLocked
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		keepAlive(renewCtx, r.ttl/3, func(ctx context.Context) (bool, error) {
			n, err := extendScript.Run(ctx, r.cli, []string{fullKey}, token, r.ttl.Milliseconds()).Int()
			return n == 1, err
		}, func(err error) {
			r.log.Errorw("capture lock renewal failed", "key", fullKey, "err", err)
		})
	}()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		stopRenew()
		<-renewed
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// On failure the lease still expires after ttl.
		_ = releaseScript.Run(relCtx, r.cli, []string{fullKey}, token).Err()
	}, nil
}

func (r *Redis) Close() error {
	return r.cli.Close()
}

// keepAlive calls extend every interval until ctx ends. A failed call is
// retried on the next tick; once extend reports the lease gone, lost is called
// and renewal stops.
func keepAlive(ctx context.Context, interval time.Duration, extend func(context.Context) (bool, error), lost func(error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		callCtx, cancel := context.WithTimeout(ctx, interval)
		ok, err := extend(callCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			lost(fmt.Errorf("renew: %w", err))
		case !ok:
			lost(ErrLeaseLost)
			return
		}
	}
}
