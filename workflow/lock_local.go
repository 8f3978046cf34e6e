package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalEntityLock 进程内锁, 单实例部署或者测试使用
func NewLocalEntityLock() EntityLock {
	return &localEntityLock{
		locks: make(map[string]*localLockInfo),
	}
}

type localEntityLock struct {
	mu    sync.Mutex
	locks map[string]*localLockInfo // key -> *localLockInfo
}

type localLockInfo struct {
	sem      chan struct{} // 容量为 1, 放进去就是拿到锁
	value    string        // 锁的值，用于验证是否是同一个持有者
	waiters  int
	expireAt time.Time   // 过期时间
	timer    *time.Timer // 超时定时器
}

func (l *localEntityLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	return synchronizedWith(l, ctx, key, maxLockTimeDuration, f)
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localEntityLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	info := l.ref(key)
	select {
	case info.sem <- struct{}{}:
	default:
		l.unref(key, info)
		return errors.WithMessage(LockFailedError, "[localEntityLock.NonBlockingSynchronized] has been locked")
	}
	lockedCtx, release := l.hold(ctx, key, info, maxLockTimeDuration)
	defer release()
	return f(lockedCtx)
}

func (l *localEntityLock) Acquire(ctx context.Context, key string, maxLockTimeDuration time.Duration) (context.Context, func(), error) {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return ctx, func() {}, nil
	}
	info := l.ref(key)
	select {
	case info.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, info)
		return nil, nil, lockTimeoutError(ctx, key)
	}
	lockedCtx, release := l.hold(ctx, key, info, maxLockTimeDuration)
	return lockedCtx, release, nil
}

// hold 拿到锁之后设置持有者和超时自动释放
func (l *localEntityLock) hold(ctx context.Context, key string, info *localLockInfo, maxLockTimeDuration time.Duration) (context.Context, func()) {
	value := l.getRandomValue()
	l.mu.Lock()
	info.value = value
	info.expireAt = time.Now().Add(maxLockTimeDuration)
	info.timer = time.AfterFunc(maxLockTimeDuration, func() {
		slog.Warn("[localEntityLock] lock held longer than max duration, force release", "key", key)
		l.releaseKey(key, info, value)
	})
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.releaseKey(key, info, value)
		})
	}
	return context.WithValue(ctx, lockKey(key), value), release
}

// ref 获取 key 对应的锁, 引用计数为 0 时从 map 里删除
func (l *localEntityLock) ref(key string) *localLockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.locks[key]
	if !ok {
		info = &localLockInfo{sem: make(chan struct{}, 1)}
		l.locks[key] = info
	}
	info.waiters++
	return info
}

func (l *localEntityLock) unref(key string, info *localLockInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info.waiters--
	if info.waiters == 0 {
		delete(l.locks, key)
	}
}

// getRandomValue 生成随机值
func (l *localEntityLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

// releaseKey 释放锁, 只有持有者才能释放
func (l *localEntityLock) releaseKey(key string, info *localLockInfo, value string) {
	l.mu.Lock()
	if info.value != value {
		l.mu.Unlock()
		// 已经被超时释放了
		return
	}
	info.value = ""
	if info.timer != nil {
		info.timer.Stop()
		info.timer = nil
	}
	l.mu.Unlock()

	<-info.sem
	l.unref(key, info)
}
