package workflow

import (
	"context"
	"time"
)

// WorkflowEntity 工作流实体, 只有 TransitionEngine 可以修改它的状态
type WorkflowEntity struct {
	ID              string
	DefinitionID    string
	BusinessKey     string
	CurrentStateID  string
	PreviousStateID *string
	// Version 乐观锁版本, 每次迁移加一
	Version        int64
	Owner          *string
	StateEnteredAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionRecord 迁移历史, 只追加, 不修改不删除
type TransitionRecord struct {
	Seq         int64
	ID          string
	EntityID    string
	FromStateID *string // 第一条 created 记录为空
	ToStateID   string
	Transition  string
	ActorID     string
	OccurredAt  time.Time
	Context     map[string]any
	// DurationSincePrevious 距离上一条记录的时间, 第一条为空
	DurationSincePrevious *time.Duration
}

type CompareAndSetParams struct {
	EntityID        string `validate:"required"`
	ExpectedVersion int64  `validate:"gte=0"`
	NewStateID      string `validate:"required"`
	EnteredAt       time.Time
}

type ListOverdueParams struct {
	StateID       string `validate:"required"`
	EnteredBefore time.Time
	AfterID       string
	Limit         int `validate:"gt=0"`
}

// Transactor 事务边界, 事务通过 ctx 传递, 嵌套调用复用外层事务
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// DefinitionRepo 定义存储, 发布是唯一的写入路径
type DefinitionRepo interface {
	Transactor
	NextDefinitionVersion(ctx context.Context, name string) (int64, error)
	CreateDefinitionGraph(ctx context.Context, graph *DefinitionGraph) error
	ActivateDefinition(ctx context.Context, definitionID string) error
	QueryDefinition(ctx context.Context, definitionID string) (*WorkflowDefinition, error)
	QueryActiveDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error)
	QueryActiveDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
	QueryStates(ctx context.Context, definitionID string) ([]*State, error)
	QueryTransitions(ctx context.Context, definitionID string) ([]*Transition, error)
}

// EntityRepo 实体存储, 唯一直接接触可变状态的组件
type EntityRepo interface {
	Transactor
	CreateEntity(ctx context.Context, entity *WorkflowEntity) error
	QueryEntity(ctx context.Context, entityID string) (*WorkflowEntity, error)
	// QueryEntityForUpdate 在事务里加行锁读取, 不支持行锁的数据库退化为普通读取
	QueryEntityForUpdate(ctx context.Context, entityID string) (*WorkflowEntity, error)
	CompareAndSetState(ctx context.Context, param *CompareAndSetParams) (*WorkflowEntity, error)
	QueryOverdueEntities(ctx context.Context, param *ListOverdueParams) ([]*WorkflowEntity, error)
	// QueryOccupiedDefinitionIDs 还有实体停留在非终止状态的定义版本, 包括已经不再激活的旧版本
	QueryOccupiedDefinitionIDs(ctx context.Context) ([]string, error)
	QueryEntities(ctx context.Context, param *QueryEntityParams) ([]*WorkflowEntity, error)
	CountEntities(ctx context.Context, param *QueryEntityParams) (int64, error)
}

// HistoryRepo 迁移历史存储
type HistoryRepo interface {
	AppendRecord(ctx context.Context, record *TransitionRecord) error
	QueryLatestRecord(ctx context.Context, entityID string) (*TransitionRecord, error)
	// QueryRecordsAfter 按 (occurred_at, seq) 顺序分页, afterSeq 为上一页最后一条
	QueryRecordsAfter(ctx context.Context, entityID string, afterOccurredAt int64, afterSeq int64, limit int) ([]*TransitionRecord, error)
	CountRecords(ctx context.Context, entityID string) (int64, error)
}
