package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	defaultLockRetryInterval = 20 * time.Millisecond
)

// NewRedisEntityLock 分布式锁, 多实例部署时使用
// retryInterval 是阻塞等锁时的轮询间隔, <=0 使用默认值
func NewRedisEntityLock(redisClient redis.Cmdable, retryInterval time.Duration) EntityLock {
	if retryInterval <= 0 {
		retryInterval = defaultLockRetryInterval
	}
	return &redisEntityLock{redisClient: redisClient, retryInterval: retryInterval}
}

type redisEntityLock struct {
	redisClient   redis.Cmdable
	retryInterval time.Duration
}

func (d *redisEntityLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	return synchronizedWith(d, ctx, key, maxLockTimeDuration, f)
}

func (d *redisEntityLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	valueInterface := ctx.Value(lockKey(key))
	_, ok := valueInterface.(string)
	if !ok {
		// 之前没有上锁成功
		value := d.getRandomValue()

		isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
		if err != nil {
			return errors.WithMessagef(LockFailedError, "[redisEntityLock.NonBlockingSynchronized], err:%v", err)
		}
		if !isLock {
			return errors.WithMessage(LockFailedError, "[redisEntityLock.NonBlockingSynchronized] has been locked")
		}

		withKeyCtx := context.WithValue(ctx, lockKey(key), value)
		defer d.releaseKey(key, value)
		return f(withKeyCtx)
	}
	// 之前成功上锁了,继续执行即可
	return f(ctx)
}

// Acquire 轮询 SETNX 直到拿到锁或者 ctx 结束
func (d *redisEntityLock) Acquire(ctx context.Context, key string, maxLockTimeDuration time.Duration) (context.Context, func(), error) {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return ctx, func() {}, nil
	}
	value := d.getRandomValue()
	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()
	for {
		isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, lockTimeoutError(ctx, key)
			}
			return nil, nil, errors.WithMessagef(LockFailedError, "[redisEntityLock.Acquire] key: %s, err:%v", key, err)
		}
		if isLock {
			var once sync.Once
			release := func() {
				once.Do(func() { d.releaseKey(key, value) })
			}
			return context.WithValue(ctx, lockKey(key), value), release, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, lockTimeoutError(ctx, key)
		case <-ticker.C:
		}
	}
}

func (d *redisEntityLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (d *redisEntityLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		slog.Error("[redisEntityLock.releaseKey] release key failed", "key", key, "err", err)
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok {
		slog.Error("[redisEntityLock.releaseKey] reply is not int64", "key", key, "reply", replyInterface)
		return
	}
	if reply != 1 {
		// 锁已经过期或者被别人持有
		slog.Warn("[redisEntityLock.releaseKey] lock not owned when releasing", "key", key, "reply", reply)
	}
}
