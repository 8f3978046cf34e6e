package workflow

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EngineDeps 引擎依赖, EntityRepo 和 HistoryRepo 必须能共享同一个事务
// (GormRepo 通过 ctx 传递事务)
type EngineDeps struct {
	DefinitionRepo DefinitionRepo `validate:"required"`
	EntityRepo     EntityRepo     `validate:"required"`
	HistoryRepo    HistoryRepo    `validate:"required"`
	// Lock 悲观模式使用, 为空时使用进程内锁
	Lock      EntityLock
	Evaluator *ConditionEvaluator
}

type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

func WithNotifier(notifier Notifier) EngineOption {
	return func(e *Engine) {
		if notifier != nil {
			e.notifier = notifier
		}
	}
}

// WithClock 替换引擎的当前时间, 测试和超时扫描使用
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine 状态迁移引擎, 实体状态只通过它修改
type Engine struct {
	cfg         EngineConfig
	definitions *DefinitionStore
	entities    *EntityRepository
	history     *HistoryLog
	evaluator   *ConditionEvaluator
	logger      *slog.Logger
	metrics     *Metrics
	notifier    Notifier
	now         func() time.Time
}

func NewEngine(deps EngineDeps, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if err := validatorUtil.Struct(deps); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "NewEngine failed, err: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entities, err := NewEntityRepository(deps.EntityRepo, deps.Lock, cfg.LockingMode, cfg.LockMaxHold)
	if err != nil {
		return nil, err
	}
	evaluator := deps.Evaluator
	if evaluator == nil {
		evaluator = NewConditionEvaluator()
	}
	e := &Engine{
		cfg:         cfg,
		definitions: NewDefinitionStore(deps.DefinitionRepo),
		entities:    entities,
		history:     NewHistoryLog(deps.HistoryRepo, cfg.HistoryPageSize),
		evaluator:   evaluator,
		logger:      slog.Default(),
		notifier:    NopNotifier{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewGormEngine 使用 gorm 存储的引擎
func NewGormEngine(db *gorm.DB, lock EntityLock, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	repo := NewGormRepo(db)
	return NewEngine(EngineDeps{
		DefinitionRepo: repo,
		EntityRepo:     repo,
		HistoryRepo:    repo,
		Lock:           lock,
	}, cfg, opts...)
}

func (e *Engine) Config() EngineConfig { return e.cfg }

func (e *Engine) Definitions() *DefinitionStore { return e.definitions }

func (e *Engine) Evaluator() *ConditionEvaluator { return e.evaluator }

func (e *Engine) History() *HistoryLog { return e.history }

func (e *Engine) Entities() *EntityRepository { return e.entities }

func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) Logger() *slog.Logger { return e.logger }

func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) notify(ctx context.Context, event Event) {
	safeNotify(ctx, e.logger, e.notifier, event)
}

type CreateEntityReq struct {
	// DefinitionName 使用该名字当前激活的版本, 和 DefinitionID 二选一
	DefinitionName string         `json:"definition_name" validate:"required_without=DefinitionID"`
	DefinitionID   string         `json:"definition_id" validate:"required_without=DefinitionName"`
	BusinessKey    string         `json:"business_key"`
	Owner          *string        `json:"owner"`
	ActorID        string         `json:"actor_id" validate:"required"`
	Context        map[string]any `json:"context"`
}

// CreateEntity 在定义的初始状态创建实体, 然后尝试触发初始状态上的自动迁移
// 自动迁移失败时实体已经创建成功, 返回实体和错误
func (e *Engine) CreateEntity(ctx context.Context, req *CreateEntityReq) (*WorkflowEntity, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil CreateEntityReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "CreateEntity failed, err: %v", err)
	}
	input, err := snapshotContext(req.Context)
	if err != nil {
		return nil, err
	}
	var definition *WorkflowDefinition
	if req.DefinitionID != "" {
		definition, err = e.definitions.GetDefinition(ctx, req.DefinitionID)
	} else {
		definition, err = e.definitions.GetActiveDefinition(ctx, req.DefinitionName)
	}
	if err != nil {
		return nil, err
	}
	now := e.now()
	entity := &WorkflowEntity{
		ID:             uuid.NewString(),
		DefinitionID:   definition.ID,
		BusinessKey:    req.BusinessKey,
		CurrentStateID: definition.InitialStateID,
		Version:        1,
		Owner:          req.Owner,
		StateEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = e.entities.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.entities.Create(txCtx, entity); err != nil {
			return err
		}
		if !e.cfg.RecordCreation {
			return nil
		}
		return e.history.Append(txCtx, &TransitionRecord{
			EntityID:   entity.ID,
			ToStateID:  entity.CurrentStateID,
			Transition: EventKindCreated,
			ActorID:    req.ActorID,
			OccurredAt: now,
			Context:    input,
		})
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, Event{
		Kind:         EventKindCreated,
		EntityID:     entity.ID,
		DefinitionID: entity.DefinitionID,
		ToState:      entity.CurrentStateID,
		ActorID:      req.ActorID,
		OccurredAt:   now,
	})

	chaseErr := e.chaseAutoTransitions(ctx, entity, input)
	latest, err := e.entities.Get(ctx, entity.ID)
	if err != nil {
		return entity, err
	}
	return latest, chaseErr
}

func (e *Engine) GetEntity(ctx context.Context, entityID string) (*WorkflowEntity, error) {
	entity, err := e.entities.Get(ctx, entityID)
	if err != nil {
		return nil, newTransitionError(err, &WorkflowEntity{ID: entityID}, "", "")
	}
	return entity, nil
}

// Execute 执行一次迁移
//  1. 按锁模式获取实体
//  2. 终止状态直接拒绝
//  3. 在当前状态的出边里按名字找迁移
//  4. 条件求值, 第一个失败的条件原样返回原因
//  5. 在一个事务里更新实体并追加历史
//  6. 释放锁
//  7. 依次触发新状态上的自动迁移, 最多 MaxAutoTransitionHops 次
//  8. 每次提交之后通知 Notifier, 通知失败不影响迁移
//
// 请求的迁移已经提交但是后续自动迁移失败时, 同时返回提交的记录和错误
func (e *Engine) Execute(ctx context.Context, entityID string, transitionName string, actorID string, input map[string]any) (*TransitionRecord, error) {
	snapshot, err := snapshotContext(input)
	if err != nil {
		return nil, err
	}
	record, entity, err := e.executeOnce(ctx, entityID, transitionName, actorID, snapshot)
	if err != nil {
		return nil, err
	}
	if err := e.chaseAutoTransitions(ctx, entity, snapshot); err != nil {
		return record, err
	}
	return record, nil
}

// executeOnce 执行单次迁移并通知, 返回提交的记录和更新后的实体
func (e *Engine) executeOnce(ctx context.Context, entityID string, transitionName string, actorID string, input map[string]any) (*TransitionRecord, *WorkflowEntity, error) {
	start := e.now()
	definitionID := ""
	record, entity, err := func() (*TransitionRecord, *WorkflowEntity, error) {
		if entityID == "" || transitionName == "" || actorID == "" {
			return nil, nil, errors.WithMessage(ErrWorkflowParamInvalid, "entityID, transitionName and actorID are required")
		}
		lockStart := time.Now()
		entity, release, err := e.entities.LockAndGet(ctx, entityID)
		e.metrics.RecordLockWait(e.cfg.LockingMode, time.Since(lockStart))
		if err != nil {
			return nil, nil, newTransitionError(err, &WorkflowEntity{ID: entityID}, transitionName, "")
		}
		defer release()
		definitionID = entity.DefinitionID

		state, err := e.definitions.GetState(ctx, entity.DefinitionID, entity.CurrentStateID)
		if err != nil {
			return nil, nil, newTransitionError(err, entity, transitionName, "")
		}
		if state.Terminal {
			return nil, nil, newTransitionError(ErrTerminalState, entity, transitionName, "state "+state.Name+" is terminal")
		}
		transition, err := e.resolveTransition(ctx, entity, transitionName)
		if err != nil {
			return nil, nil, err
		}
		if allowed, reason := e.evaluator.Evaluate(ctx, transition, input); !allowed {
			return nil, nil, newTransitionError(ErrConditionDenied, entity, transitionName, reason)
		}
		record, updated, err := e.commit(ctx, entity, transition, actorID, input)
		if err != nil {
			return nil, nil, newTransitionError(err, entity, transitionName, "")
		}
		return record, updated, nil
	}()
	e.metrics.RecordTransition(definitionID, transitionName, transitionOutcome(err), e.now().Sub(start))
	if err != nil {
		if IsSeriousError(err) {
			e.logger.ErrorContext(ctx, fmt.Sprintf("[error]Execute failed, entityID: %s, transition: %s, err: %v", entityID, transitionName, err))
		} else {
			e.logger.DebugContext(ctx, "Execute rejected", "entity_id", entityID, "transition", transitionName, "err", err)
		}
		return nil, nil, err
	}
	e.notify(ctx, Event{
		Kind:         EventKindTransitioned,
		EntityID:     entity.ID,
		DefinitionID: entity.DefinitionID,
		FromState:    *record.FromStateID,
		ToState:      record.ToStateID,
		Transition:   record.Transition,
		ActorID:      record.ActorID,
		OccurredAt:   record.OccurredAt,
	})
	return record, entity, nil
}

// resolveTransition 迁移名只在同一个 from 状态下唯一, 只在当前状态的出边里找
func (e *Engine) resolveTransition(ctx context.Context, entity *WorkflowEntity, transitionName string) (*Transition, error) {
	transitions, err := e.definitions.GetTransitions(ctx, entity.DefinitionID, entity.CurrentStateID)
	if err != nil {
		return nil, newTransitionError(err, entity, transitionName, "")
	}
	for _, t := range transitions {
		if t.Name == transitionName {
			return t, nil
		}
	}
	return nil, newTransitionError(ErrNoSuchTransition, entity, transitionName, "")
}

// commit 实体和历史在同一个事务里写入, 任何一个失败都回滚
func (e *Engine) commit(ctx context.Context, entity *WorkflowEntity, transition *Transition, actorID string, input map[string]any) (*TransitionRecord, *WorkflowEntity, error) {
	fromStateID := entity.CurrentStateID
	record := &TransitionRecord{
		EntityID:    entity.ID,
		FromStateID: &fromStateID,
		ToStateID:   transition.ToStateID,
		Transition:  transition.Name,
		ActorID:     actorID,
		OccurredAt:  e.now(),
		Context:     input,
	}
	var updated *WorkflowEntity
	err := e.entities.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.history.Append(txCtx, record); err != nil {
			return err
		}
		var err error
		updated, err = e.entities.CompareAndSet(txCtx, entity.ID, entity.Version, transition.ToStateID, record.OccurredAt)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return record, updated, nil
}

// chaseAutoTransitions 新状态上有且只有一个可触发的自动迁移时由系统触发
func (e *Engine) chaseAutoTransitions(ctx context.Context, entity *WorkflowEntity, input map[string]any) error {
	for hops := 0; ; hops++ {
		transition, err := e.pickAutoTransition(ctx, entity, input)
		if err != nil {
			e.logger.ErrorContext(ctx, fmt.Sprintf("[error]auto transition failed, entityID: %s, err: %v", entity.ID, err))
			return err
		}
		if transition == nil {
			return nil
		}
		if hops >= e.cfg.MaxAutoTransitionHops {
			err := newTransitionError(ErrAutoTransitionLoop, entity, transition.Name, fmt.Sprintf("more than %d auto transitions in a row", e.cfg.MaxAutoTransitionHops))
			e.logger.ErrorContext(ctx, fmt.Sprintf("[error]auto transition loop, entityID: %s, err: %v", entity.ID, err))
			return err
		}
		_, next, err := e.executeOnce(ctx, entity.ID, transition.Name, SystemActorID, input)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNoSuchTransition) || errors.Is(err, ErrTerminalState) {
				// 实体已经被其他调用推进了
				e.logger.WarnContext(ctx, "auto transition lost race", "entity_id", entity.ID, "transition", transition.Name, "err", err)
				return nil
			}
			return err
		}
		e.metrics.RecordAutoTransition(next.DefinitionID)
		entity = next
	}
}

// pickAutoTransition 当前状态上条件满足的自动迁移, 没有返回 nil
func (e *Engine) pickAutoTransition(ctx context.Context, entity *WorkflowEntity, input map[string]any) (*Transition, error) {
	state, err := e.definitions.GetState(ctx, entity.DefinitionID, entity.CurrentStateID)
	if err != nil {
		return nil, err
	}
	if state.Terminal {
		return nil, nil
	}
	transitions, err := e.definitions.GetTransitions(ctx, entity.DefinitionID, entity.CurrentStateID)
	if err != nil {
		return nil, err
	}
	eligible := make([]*Transition, 0)
	for _, t := range transitions {
		if !t.Auto {
			continue
		}
		if allowed, _ := e.evaluator.Evaluate(ctx, t, input); allowed {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) <= 1 {
		if len(eligible) == 0 {
			return nil, nil
		}
		return eligible[0], nil
	}
	names := make([]string, 0, len(eligible))
	for _, t := range eligible {
		names = append(names, t.Name)
	}
	if e.cfg.StrictAutoTransitionAmbiguity {
		return nil, newTransitionError(ErrAmbiguousAutoTransition, entity, eligible[0].Name,
			fmt.Sprintf("state %s has eligible auto transitions [%s]", state.Name, strings.Join(names, ", ")))
	}
	e.logger.WarnContext(ctx, fmt.Sprintf("[warn]ambiguous auto transitions, pick first by definition order, entityID: %s, state: %s, eligible: %v", entity.ID, state.Name, names))
	return eligible[0], nil
}

// ListAvailableTransitions 当前状态上条件满足的迁移名, 和 Execute 使用相同的检查但是不提交
// 终止状态返回空列表
func (e *Engine) ListAvailableTransitions(ctx context.Context, entityID string, input map[string]any) ([]string, error) {
	entity, err := e.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	state, err := e.definitions.GetState(ctx, entity.DefinitionID, entity.CurrentStateID)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0)
	if state.Terminal {
		return ret, nil
	}
	transitions, err := e.definitions.GetTransitions(ctx, entity.DefinitionID, entity.CurrentStateID)
	if err != nil {
		return nil, err
	}
	for _, t := range transitions {
		if allowed, _ := e.evaluator.Evaluate(ctx, t, input); allowed {
			ret = append(ret, t.Name)
		}
	}
	return ret, nil
}

type ListEntitiesReq struct {
	// DefinitionIDs 具体版本, 同一个名字的多个版本需要都列出来
	DefinitionIDs []string `json:"definition_ids"`
	StateIDs      []string `json:"state_ids"`
	BusinessKey   string   `json:"business_key"`
	Page          int64    `json:"page" validate:"gte=0"`
	Size          int64    `json:"size" validate:"gte=0,lte=1000"`
}

type ListEntitiesResp struct {
	Entities []*WorkflowEntity `json:"entities"`
	Total    int64             `json:"total"`
}

// ListEntities 按定义版本, 当前状态和业务键过滤实体, 按 id 升序分页
func (e *Engine) ListEntities(ctx context.Context, req *ListEntitiesReq) (*ListEntitiesResp, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil ListEntitiesReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ListEntities failed, err: %v", err)
	}
	param := &QueryEntityParams{
		DefinitionIDIn: req.DefinitionIDs,
		StateIDIn:      req.StateIDs,
		OrderbyIDAsc:   Bool(true),
		Page:           &Pager{Page: req.Page, Size: req.Size},
	}
	if req.BusinessKey != "" {
		param.BusinessKey = String(req.BusinessKey)
	}
	total, err := e.entities.Count(ctx, param)
	if err != nil {
		return nil, err
	}
	entities, err := e.entities.Query(ctx, param)
	if err != nil {
		return nil, err
	}
	return &ListEntitiesResp{Entities: entities, Total: total}, nil
}

// ListHistory 惰性遍历实体历史
func (e *Engine) ListHistory(ctx context.Context, entityID string) iter.Seq2[*TransitionRecord, error] {
	return e.history.ListForEntity(ctx, entityID)
}

// Walk 按顺序对每条历史调用 fn, fn 返回错误时停止
func (e *Engine) Walk(ctx context.Context, entityID string, fn func(record *TransitionRecord) error) error {
	for record, err := range e.history.ListForEntity(ctx, entityID) {
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// snapshotContext 深拷贝调用方的上下文, 历史里保存的是调用时刻的快照
func snapshotContext(input map[string]any) (map[string]any, error) {
	cloned, err := NewJSONContextFromMap(input).Clone()
	if err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "context is not json serializable, err: %v", err)
	}
	return cloned.ToMap(), nil
}
