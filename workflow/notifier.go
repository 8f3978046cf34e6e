package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event 迁移提交之后发出的事件, 投递是尽力而为的, 消费方需要按至少一次处理
type Event struct {
	Kind         EventKind `json:"kind"`
	EntityID     string    `json:"entity_id"`
	DefinitionID string    `json:"definition_id"`
	FromState    string    `json:"from_state,omitempty"`
	ToState      string    `json:"to_state"`
	Transition   string    `json:"transition,omitempty"`
	ActorID      string    `json:"actor_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier 通知边界, 返回的错误只记录日志, 不会回滚迁移
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type NotifierFunc func(ctx context.Context, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// safeNotify 调用 notifier, 错误和 panic 都只打日志
func safeNotify(ctx context.Context, logger *slog.Logger, notifier Notifier, event Event) {
	if notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "[workflow] notifier panic", "entity_id", event.EntityID, "kind", event.Kind, "panic", fmt.Sprint(r))
		}
	}()
	if err := notifier.Notify(ctx, event); err != nil {
		logger.WarnContext(ctx, "[workflow] notify failed", "entity_id", event.EntityID, "kind", event.Kind, "err", err)
	}
}

// AsyncNotifier 把事件放进缓冲队列, 由后台 goroutine 投递给下游
// 队列满的时候丢弃并打日志, Close 会等待队列里的事件投递完
type AsyncNotifier struct {
	next   Notifier
	logger *slog.Logger
	queue  chan Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewAsyncNotifier(next Notifier, bufferSize int, logger *slog.Logger) *AsyncNotifier {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &AsyncNotifier{
		next:   next,
		logger: logger,
		queue:  make(chan Event, bufferSize),
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *AsyncNotifier) Notify(ctx context.Context, event Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.WarnContext(ctx, "[AsyncNotifier] closed, drop event", "entity_id", event.EntityID, "kind", event.Kind)
		return nil
	}
	select {
	case n.queue <- event:
	default:
		n.logger.WarnContext(ctx, "[AsyncNotifier] queue full, drop event", "entity_id", event.EntityID, "kind", event.Kind)
	}
	return nil
}

func (n *AsyncNotifier) loop() {
	defer n.wg.Done()
	for event := range n.queue {
		// 投递和调用方的请求解耦, 不继承调用方的 ctx
		safeNotify(context.Background(), n.logger, n.next, event)
	}
}

func (n *AsyncNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}
