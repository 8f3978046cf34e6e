package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// EntityRepository 实体仓库, 在 EntityRepo 之上按锁模式提供加锁读取
type EntityRepository struct {
	repo    EntityRepo
	lock    EntityLock
	mode    LockingMode
	maxHold time.Duration
}

// NewEntityRepository lock 为空时使用进程内锁
func NewEntityRepository(repo EntityRepo, lock EntityLock, mode LockingMode, maxHold time.Duration) (*EntityRepository, error) {
	if repo == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil EntityRepo")
	}
	if mode != LockingModePessimistic && mode != LockingModeOptimistic {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "unknown locking mode %q", mode)
	}
	if lock == nil {
		lock = NewLocalEntityLock()
	}
	if maxHold <= 0 {
		maxHold = 30 * time.Second
	}
	return &EntityRepository{repo: repo, lock: lock, mode: mode, maxHold: maxHold}, nil
}

func (r *EntityRepository) Mode() LockingMode {
	return r.mode
}

func (r *EntityRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.repo.Transaction(ctx, fn)
}

// LockAndGet 获取实体, 返回的 release 是幂等的, 调用方必须在所有路径上调用
//   - pessimistic: 阻塞直到拿到实体锁, ctx 超时返回 ErrLockTimeout
//   - optimistic: 不加锁, release 为空操作, 冲突在 CompareAndSet 时暴露
func (r *EntityRepository) LockAndGet(ctx context.Context, entityID string) (*WorkflowEntity, func(), error) {
	if entityID == "" {
		return nil, nil, errors.WithMessage(ErrWorkflowParamInvalid, "empty entityID")
	}
	if r.mode == LockingModeOptimistic {
		entity, err := r.repo.QueryEntity(ctx, entityID)
		if err != nil {
			return nil, nil, err
		}
		return entity, func() {}, nil
	}
	_, release, err := r.lock.Acquire(ctx, EntityLockKey(entityID), r.maxHold)
	if err != nil {
		return nil, nil, err
	}
	entity, err := r.repo.QueryEntity(ctx, entityID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return entity, release, nil
}

// CompareAndSet 版本不一致返回 ErrVersionConflict
// 悲观模式下在事务里再加一次数据库行锁, 多进程使用本地锁时也能串行
func (r *EntityRepository) CompareAndSet(ctx context.Context, entityID string, expectedVersion int64, newStateID string, enteredAt time.Time) (*WorkflowEntity, error) {
	if r.mode == LockingModePessimistic {
		current, err := r.repo.QueryEntityForUpdate(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if current.Version != expectedVersion {
			return nil, errors.WithMessagef(ErrVersionConflict, "entityID: %s, expected version: %d, actual: %d", entityID, expectedVersion, current.Version)
		}
	}
	return r.repo.CompareAndSetState(ctx, &CompareAndSetParams{
		EntityID:        entityID,
		ExpectedVersion: expectedVersion,
		NewStateID:      newStateID,
		EnteredAt:       enteredAt,
	})
}

func (r *EntityRepository) Create(ctx context.Context, entity *WorkflowEntity) error {
	return r.repo.CreateEntity(ctx, entity)
}

func (r *EntityRepository) Get(ctx context.Context, entityID string) (*WorkflowEntity, error) {
	return r.repo.QueryEntity(ctx, entityID)
}

// ListOverdue 在 stateID 停留到 enteredBefore 之前的实体, 按 id 分页
func (r *EntityRepository) ListOverdue(ctx context.Context, stateID string, enteredBefore time.Time, afterID string, limit int) ([]*WorkflowEntity, error) {
	return r.repo.QueryOverdueEntities(ctx, &ListOverdueParams{
		StateID:       stateID,
		EnteredBefore: enteredBefore,
		AfterID:       afterID,
		Limit:         limit,
	})
}

func (r *EntityRepository) OccupiedDefinitionIDs(ctx context.Context) ([]string, error) {
	return r.repo.QueryOccupiedDefinitionIDs(ctx)
}

func (r *EntityRepository) Query(ctx context.Context, param *QueryEntityParams) ([]*WorkflowEntity, error) {
	return r.repo.QueryEntities(ctx, param)
}

func (r *EntityRepository) Count(ctx context.Context, param *QueryEntityParams) (int64, error) {
	return r.repo.CountEntities(ctx, param)
}
