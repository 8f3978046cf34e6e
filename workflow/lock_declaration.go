package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError = errors.New("lock failed")
	// ErrLockTimeout 等锁超过了 ctx 的 deadline, 没有留下任何部分状态, 可以重试
	ErrLockTimeout = errors.New("wait lock time out")
)

type lockKey string

// EntityLock 实体锁, 同一个 key 同一时刻只有一个持有者
type EntityLock interface {
	// Synchronized
	//  @Description:  1.阻塞同步块, 一直等到拿到锁或者 ctx 结束, 超时返回 ErrLockTimeout
	//                 2.可以重入锁
	//  @param ctx 原来的ctx, 等锁的时间由它的 deadline 决定
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回错误
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 分布式锁的的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
	// Acquire 阻塞拿锁, 返回幂等的 release, 调用方必须在所有路径上调用
	// 已经在 ctx 里持有同一个 key 时直接返回空的 release
	Acquire(ctx context.Context, key string, maxLockTimeDuration time.Duration) (context.Context, func(), error)
}

// synchronizedWith 基于 Acquire 实现 Synchronized
func synchronizedWith(l EntityLock, ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	lockedCtx, release, err := l.Acquire(ctx, key, maxLockTimeDuration)
	if err != nil {
		return err
	}
	defer release()
	return f(lockedCtx)
}

func lockTimeoutError(ctx context.Context, key string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.WithMessagef(ErrLockTimeout, "key: %s", key)
	}
	return errors.WithMessagef(ErrLockTimeout, "key: %s, err: %v", key, ctx.Err())
}

// EntityLockKey 实体锁使用的 key
func EntityLockKey(entityID string) string {
	return "workflow:entity:" + entityID
}
