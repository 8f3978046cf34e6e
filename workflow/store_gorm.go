package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowDefinitionPo struct {
	ID             string `gorm:"column:id;primaryKey;size:191"`
	Name           string `gorm:"column:name;size:128;uniqueIndex:uk_definition_name_version,priority:1"`
	Version        int64  `gorm:"column:version;uniqueIndex:uk_definition_name_version,priority:2"`
	InitialStateID string `gorm:"column:initial_state_id;size:255"`
	Active         bool   `gorm:"column:active;index"`
	CreatedAt      int64  `gorm:"column:created_at"`
	UpdatedAt      int64  `gorm:"column:updated_at"`
}

func (WorkflowDefinitionPo) TableName() string {
	return "workflow_definition"
}

type WorkflowStatePo struct {
	ID                string `gorm:"column:id;primaryKey;size:255"`
	DefinitionID      string `gorm:"column:definition_id;size:191;index"`
	Name              string `gorm:"column:name;size:128"`
	Initial           bool   `gorm:"column:is_initial"`
	Terminal          bool   `gorm:"column:is_terminal"`
	TimeoutMs         int64  `gorm:"column:timeout_ms"` // 0 表示不超时
	TimeoutTransition string `gorm:"column:timeout_transition;size:128"`
}

func (WorkflowStatePo) TableName() string {
	return "workflow_state"
}

type WorkflowTransitionPo struct {
	ID               string         `gorm:"column:id;primaryKey;size:255"`
	DefinitionID     string         `gorm:"column:definition_id;size:191;uniqueIndex:uk_transition_from_name,priority:1"`
	FromStateID      string         `gorm:"column:from_state_id;size:255;uniqueIndex:uk_transition_from_name,priority:2"`
	Name             string         `gorm:"column:name;size:128;uniqueIndex:uk_transition_from_name,priority:3"`
	ToStateID        string         `gorm:"column:to_state_id;size:255"`
	Auto             bool           `gorm:"column:is_auto"`
	RequiresApproval bool           `gorm:"column:requires_approval"`
	Retry            bool           `gorm:"column:is_retry"`
	SortOrder        int            `gorm:"column:sort_order"`
	Conditions       datatypes.JSON `gorm:"column:conditions"`
}

func (WorkflowTransitionPo) TableName() string {
	return "workflow_transition"
}

type WorkflowEntityPo struct {
	ID              string  `gorm:"column:id;primaryKey;size:64"`
	DefinitionID    string  `gorm:"column:definition_id;size:191;index"`
	BusinessKey     string  `gorm:"column:business_key;size:191;index"`
	CurrentStateID  string  `gorm:"column:current_state_id;size:255;index:idx_entity_state_entered,priority:1"`
	PreviousStateID *string `gorm:"column:previous_state_id;size:255"`
	Version         int64   `gorm:"column:version"`
	Owner           *string `gorm:"column:owner;size:128"`
	StateEnteredAt  int64   `gorm:"column:state_entered_at;index:idx_entity_state_entered,priority:2"` // 微秒
	CreatedAt       int64   `gorm:"column:created_at;autoCreateTime:false"`                            // 微秒
	UpdatedAt       int64   `gorm:"column:updated_at;autoUpdateTime:false"`                            // 微秒
}

func (WorkflowEntityPo) TableName() string {
	return "workflow_entity"
}

type TransitionRecordPo struct {
	Seq                     int64          `gorm:"column:seq;primaryKey;autoIncrement"`
	RecordID                string         `gorm:"column:record_id;size:64;uniqueIndex"`
	EntityID                string         `gorm:"column:entity_id;size:64;index:idx_record_entity_time,priority:1"`
	FromStateID             *string        `gorm:"column:from_state_id;size:255"`
	ToStateID               string         `gorm:"column:to_state_id;size:255"`
	TransitionName          string         `gorm:"column:transition_name;size:128"`
	ActorID                 string         `gorm:"column:actor_id;size:128"`
	OccurredAt              int64          `gorm:"column:occurred_at;index:idx_record_entity_time,priority:2"` // 微秒
	Context                 datatypes.JSON `gorm:"column:context"`
	DurationSincePreviousUs *int64         `gorm:"column:duration_since_previous_us"`
}

func (TransitionRecordPo) TableName() string {
	return "transition_record"
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{
		&WorkflowDefinitionPo{},
		&WorkflowStatePo{},
		&WorkflowTransitionPo{},
		&WorkflowEntityPo{},
		&TransitionRecordPo{},
	}
}

type QueryEntityParams struct {
	EntityID       *string  `json:"entity_id"`
	DefinitionIDIn []string `json:"definition_id_in"`
	StateIDIn      []string `json:"state_id_in"`
	BusinessKey    *string  `json:"business_key"`
	OrderbyIDAsc   *bool    `json:"orderby_id_asc"`
	Page           *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

// GormRepo 基于 gorm 的存储实现, 同时实现 DefinitionRepo, EntityRepo, HistoryRepo
type GormRepo struct {
	db *gorm.DB
}

func NewGormRepo(db *gorm.DB) *GormRepo {
	return &GormRepo{db: db}
}

// AutoMigrate 建表, 生产环境建议用独立的 migration 工具
func (r *GormRepo) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return errors.Wrapf(ErrStorageFailure, "AutoMigrate failed, err: %v", err)
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *GormRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

// Transaction 开启事务, 如果 ctx 里已经有事务则复用
// fn 返回错误或者 panic 都会回滚
func (r *GormRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}

func storageError(err error, format string, args ...any) error {
	return errors.Wrapf(ErrStorageFailure, format+", err: %v", append(args, err)...)
}

// ---------------------------------------------------------------- definitions

func (r *GormRepo) NextDefinitionVersion(ctx context.Context, name string) (int64, error) {
	var maxVersion sql.NullInt64
	err := r.GetDBWithContext(ctx).Model(&WorkflowDefinitionPo{}).
		Where("name = ?", name).
		Select("MAX(version)").
		Scan(&maxVersion).Error
	if err != nil {
		return 0, storageError(err, "NextDefinitionVersion failed, name: %s", name)
	}
	if !maxVersion.Valid {
		return 1, nil
	}
	return maxVersion.Int64 + 1, nil
}

func (r *GormRepo) CreateDefinitionGraph(ctx context.Context, graph *DefinitionGraph) error {
	if graph == nil || graph.Definition == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "nil DefinitionGraph")
	}
	now := time.Now().Unix()
	db := r.GetDBWithContext(ctx)
	defPo := &WorkflowDefinitionPo{
		ID:             graph.Definition.ID,
		Name:           graph.Definition.Name,
		Version:        graph.Definition.Version,
		InitialStateID: graph.Definition.InitialStateID,
		Active:         false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.Create(defPo).Error; err != nil {
		return storageError(err, "CreateDefinition failed, definitionID: %s", defPo.ID)
	}
	statePos := make([]*WorkflowStatePo, 0, len(graph.States))
	for _, s := range graph.States {
		statePos = append(statePos, &WorkflowStatePo{
			ID:                s.ID,
			DefinitionID:      s.DefinitionID,
			Name:              s.Name,
			Initial:           s.Initial,
			Terminal:          s.Terminal,
			TimeoutMs:         s.Timeout.Milliseconds(),
			TimeoutTransition: s.TimeoutTransition,
		})
	}
	if len(statePos) > 0 {
		if err := db.Create(&statePos).Error; err != nil {
			return storageError(err, "CreateStates failed, definitionID: %s", defPo.ID)
		}
	}
	transitionPos := make([]*WorkflowTransitionPo, 0, len(graph.Transitions))
	for _, t := range graph.Transitions {
		conditions, err := json.Marshal(t.Conditions)
		if err != nil {
			return errors.Wrapf(ErrDefinitionInvalid, "marshal conditions failed, transition: %s, err: %v", t.ID, err)
		}
		transitionPos = append(transitionPos, &WorkflowTransitionPo{
			ID:               t.ID,
			DefinitionID:     t.DefinitionID,
			FromStateID:      t.FromStateID,
			ToStateID:        t.ToStateID,
			Name:             t.Name,
			Auto:             t.Auto,
			RequiresApproval: t.RequiresApproval,
			Retry:            t.Retry,
			SortOrder:        t.SortOrder,
			Conditions:       datatypes.JSON(conditions),
		})
	}
	if len(transitionPos) > 0 {
		if err := db.Create(&transitionPos).Error; err != nil {
			return storageError(err, "CreateTransitions failed, definitionID: %s", defPo.ID)
		}
	}
	return nil
}

// ActivateDefinition 激活某个版本, 同名的其他版本全部置为非激活
func (r *GormRepo) ActivateDefinition(ctx context.Context, definitionID string) error {
	db := r.GetDBWithContext(ctx)
	defPo := &WorkflowDefinitionPo{}
	if err := db.Where("id = ?", definitionID).First(defPo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.WithMessagef(ErrDefinitionNotFound, "definitionID: %s", definitionID)
		}
		return storageError(err, "ActivateDefinition query failed, definitionID: %s", definitionID)
	}
	now := time.Now().Unix()
	err := db.Model(&WorkflowDefinitionPo{}).
		Where("name = ? AND id <> ? AND active = ?", defPo.Name, definitionID, true).
		Updates(map[string]any{"active": false, "updated_at": now}).Error
	if err != nil {
		return storageError(err, "deactivate old versions failed, name: %s", defPo.Name)
	}
	err = db.Model(&WorkflowDefinitionPo{}).
		Where("id = ?", definitionID).
		Updates(map[string]any{"active": true, "updated_at": now}).Error
	if err != nil {
		return storageError(err, "ActivateDefinition failed, definitionID: %s", definitionID)
	}
	return nil
}

func (r *GormRepo) QueryDefinition(ctx context.Context, definitionID string) (*WorkflowDefinition, error) {
	po := &WorkflowDefinitionPo{}
	err := r.GetDBWithContext(ctx).Where("id = ?", definitionID).First(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "definitionID: %s", definitionID)
	}
	if err != nil {
		return nil, storageError(err, "QueryDefinition failed, definitionID: %s", definitionID)
	}
	return po.toEntity(), nil
}

func (r *GormRepo) QueryActiveDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error) {
	po := &WorkflowDefinitionPo{}
	err := r.GetDBWithContext(ctx).
		Where("name = ? AND active = ?", name, true).
		Order("version desc").
		First(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "no active definition, name: %s", name)
	}
	if err != nil {
		return nil, storageError(err, "QueryActiveDefinitionByName failed, name: %s", name)
	}
	return po.toEntity(), nil
}

func (r *GormRepo) QueryActiveDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	pos := make([]*WorkflowDefinitionPo, 0)
	if err := r.GetDBWithContext(ctx).Where("active = ?", true).Order("name asc").Find(&pos).Error; err != nil {
		return nil, storageError(err, "QueryActiveDefinitions failed")
	}
	ret := make([]*WorkflowDefinition, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, po.toEntity())
	}
	return ret, nil
}

func (r *GormRepo) QueryStates(ctx context.Context, definitionID string) ([]*State, error) {
	pos := make([]*WorkflowStatePo, 0)
	if err := r.GetDBWithContext(ctx).Where("definition_id = ?", definitionID).Order("id asc").Find(&pos).Error; err != nil {
		return nil, storageError(err, "QueryStates failed, definitionID: %s", definitionID)
	}
	ret := make([]*State, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, &State{
			ID:                po.ID,
			DefinitionID:      po.DefinitionID,
			Name:              po.Name,
			Initial:           po.Initial,
			Terminal:          po.Terminal,
			Timeout:           time.Duration(po.TimeoutMs) * time.Millisecond,
			TimeoutTransition: po.TimeoutTransition,
		})
	}
	return ret, nil
}

func (r *GormRepo) QueryTransitions(ctx context.Context, definitionID string) ([]*Transition, error) {
	pos := make([]*WorkflowTransitionPo, 0)
	if err := r.GetDBWithContext(ctx).Where("definition_id = ?", definitionID).Order("sort_order asc").Find(&pos).Error; err != nil {
		return nil, storageError(err, "QueryTransitions failed, definitionID: %s", definitionID)
	}
	ret := make([]*Transition, 0, len(pos))
	for _, po := range pos {
		conditions := make([]ConditionRef, 0)
		if len(po.Conditions) > 0 {
			if err := json.Unmarshal(po.Conditions, &conditions); err != nil {
				return nil, errors.Wrapf(ErrDefinitionInvalid, "unmarshal conditions failed, transition: %s, err: %v", po.ID, err)
			}
		}
		ret = append(ret, &Transition{
			ID:               po.ID,
			DefinitionID:     po.DefinitionID,
			FromStateID:      po.FromStateID,
			ToStateID:        po.ToStateID,
			Name:             po.Name,
			Auto:             po.Auto,
			RequiresApproval: po.RequiresApproval,
			Retry:            po.Retry,
			SortOrder:        po.SortOrder,
			Conditions:       conditions,
		})
	}
	return ret, nil
}

func (po *WorkflowDefinitionPo) toEntity() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:             po.ID,
		Name:           po.Name,
		Version:        po.Version,
		InitialStateID: po.InitialStateID,
		Active:         po.Active,
		CreatedAt:      po.CreatedAt,
	}
}

// ---------------------------------------------------------------- entities

func (r *GormRepo) CreateEntity(ctx context.Context, entity *WorkflowEntity) error {
	if entity == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "nil WorkflowEntity")
	}
	po := &WorkflowEntityPo{
		ID:              entity.ID,
		DefinitionID:    entity.DefinitionID,
		BusinessKey:     entity.BusinessKey,
		CurrentStateID:  entity.CurrentStateID,
		PreviousStateID: entity.PreviousStateID,
		Version:         entity.Version,
		Owner:           entity.Owner,
		StateEnteredAt:  entity.StateEnteredAt.UnixMicro(),
		CreatedAt:       entity.CreatedAt.UnixMicro(),
		UpdatedAt:       entity.UpdatedAt.UnixMicro(),
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return storageError(err, "CreateEntity failed, entityID: %s", entity.ID)
	}
	return nil
}

func (r *GormRepo) QueryEntity(ctx context.Context, entityID string) (*WorkflowEntity, error) {
	return r.queryEntity(r.GetDBWithContext(ctx), entityID)
}

func (r *GormRepo) QueryEntityForUpdate(ctx context.Context, entityID string) (*WorkflowEntity, error) {
	db := r.GetDBWithContext(ctx)
	if db.Dialector.Name() != "sqlite" {
		// sqlite 不支持 FOR UPDATE, 写事务本身是串行的
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.queryEntity(db, entityID)
}

func (r *GormRepo) queryEntity(db *gorm.DB, entityID string) (*WorkflowEntity, error) {
	po := &WorkflowEntityPo{}
	err := db.Where("id = ?", entityID).First(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrEntityNotFound, "entityID: %s", entityID)
	}
	if err != nil {
		return nil, storageError(err, "QueryEntity failed, entityID: %s", entityID)
	}
	return po.toEntity(), nil
}

// CompareAndSetState 版本匹配才更新, 否则返回 ErrVersionConflict
func (r *GormRepo) CompareAndSetState(ctx context.Context, param *CompareAndSetParams) (*WorkflowEntity, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil CompareAndSetParams")
	}
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "CompareAndSetState failed, err: %v", err)
	}
	db := r.GetDBWithContext(ctx)
	current, err := r.queryEntity(db, param.EntityID)
	if err != nil {
		return nil, err
	}
	if current.Version != param.ExpectedVersion {
		return nil, errors.WithMessagef(ErrVersionConflict, "entityID: %s, expected version: %d, actual: %d", param.EntityID, param.ExpectedVersion, current.Version)
	}
	now := time.Now().UnixMicro()
	enteredAt := now
	if !param.EnteredAt.IsZero() {
		enteredAt = param.EnteredAt.UnixMicro()
	}
	updateFields := map[string]any{
		"previous_state_id": current.CurrentStateID,
		"current_state_id":  param.NewStateID,
		"version":           param.ExpectedVersion + 1,
		"state_entered_at":  enteredAt,
		"updated_at":        now,
	}
	result := db.Model(&WorkflowEntityPo{}).
		Where("id = ? AND version = ?", param.EntityID, param.ExpectedVersion).
		Updates(updateFields)
	if result.Error != nil {
		return nil, storageError(result.Error, "CompareAndSetState failed, entityID: %s", param.EntityID)
	}
	if result.RowsAffected == 0 {
		return nil, errors.WithMessagef(ErrVersionConflict, "entityID: %s, expected version: %d", param.EntityID, param.ExpectedVersion)
	}
	return r.queryEntity(db, param.EntityID)
}

func (r *GormRepo) QueryOverdueEntities(ctx context.Context, param *ListOverdueParams) ([]*WorkflowEntity, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil ListOverdueParams")
	}
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "QueryOverdueEntities failed, err: %v", err)
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowEntityPo{}).
		Where("current_state_id = ?", param.StateID).
		Where("state_entered_at < ?", param.EnteredBefore.UnixMicro())
	if param.AfterID != "" {
		db = db.Where("id > ?", param.AfterID)
	}
	pos := make([]*WorkflowEntityPo, 0)
	if err := db.Order("id asc").Limit(param.Limit).Find(&pos).Error; err != nil {
		return nil, storageError(err, "QueryOverdueEntities failed, stateID: %s", param.StateID)
	}
	ret := make([]*WorkflowEntity, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, po.toEntity())
	}
	return ret, nil
}

func (r *GormRepo) QueryOccupiedDefinitionIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	err := r.GetDBWithContext(ctx).Model(&WorkflowEntityPo{}).
		Joins("JOIN workflow_state ON workflow_state.id = workflow_entity.current_state_id").
		Where("workflow_state.is_terminal = ?", false).
		Distinct().
		Order("workflow_entity.definition_id asc").
		Pluck("workflow_entity.definition_id", &ids).Error
	if err != nil {
		return nil, storageError(err, "QueryOccupiedDefinitionIDs failed")
	}
	return ids, nil
}

func buildQueryEntityParams(db *gorm.DB, isCount bool, param *QueryEntityParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryEntityParams")
	}
	if param.EntityID != nil {
		db = db.Where("id = ?", *param.EntityID)
	}
	if len(param.DefinitionIDIn) != 0 {
		db = db.Where("definition_id IN ?", param.DefinitionIDIn)
	}
	if len(param.StateIDIn) != 0 {
		db = db.Where("current_state_id IN ?", param.StateIDIn)
	}
	if param.BusinessKey != nil {
		db = db.Where("business_key = ?", *param.BusinessKey)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *GormRepo) QueryEntities(ctx context.Context, param *QueryEntityParams) ([]*WorkflowEntity, error) {
	db, err := buildQueryEntityParams(r.GetDBWithContext(ctx).Model(&WorkflowEntityPo{}), false, param)
	if err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "buildQueryEntityParams failed, err: %v", err)
	}
	pos := make([]*WorkflowEntityPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, storageError(err, "QueryEntities failed")
	}
	ret := make([]*WorkflowEntity, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, po.toEntity())
	}
	return ret, nil
}

func (r *GormRepo) CountEntities(ctx context.Context, param *QueryEntityParams) (int64, error) {
	db, err := buildQueryEntityParams(r.GetDBWithContext(ctx).Model(&WorkflowEntityPo{}), true, param)
	if err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "buildQueryEntityParams failed, err: %v", err)
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, storageError(err, "CountEntities failed")
	}
	return count, nil
}

func (po *WorkflowEntityPo) toEntity() *WorkflowEntity {
	return &WorkflowEntity{
		ID:              po.ID,
		DefinitionID:    po.DefinitionID,
		BusinessKey:     po.BusinessKey,
		CurrentStateID:  po.CurrentStateID,
		PreviousStateID: po.PreviousStateID,
		Version:         po.Version,
		Owner:           po.Owner,
		StateEnteredAt:  time.UnixMicro(po.StateEnteredAt),
		CreatedAt:       time.UnixMicro(po.CreatedAt),
		UpdatedAt:       time.UnixMicro(po.UpdatedAt),
	}
}

// ---------------------------------------------------------------- history

func (r *GormRepo) AppendRecord(ctx context.Context, record *TransitionRecord) error {
	if record == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "nil TransitionRecord")
	}
	contextBytes, err := NewJSONContextFromMap(record.Context).ToBytes()
	if err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "marshal record context failed, entityID: %s, err: %v", record.EntityID, err)
	}
	po := &TransitionRecordPo{
		RecordID:       record.ID,
		EntityID:       record.EntityID,
		FromStateID:    record.FromStateID,
		ToStateID:      record.ToStateID,
		TransitionName: record.Transition,
		ActorID:        record.ActorID,
		OccurredAt:     record.OccurredAt.UnixMicro(),
		Context:        datatypes.JSON(contextBytes),
	}
	if record.DurationSincePrevious != nil {
		us := record.DurationSincePrevious.Microseconds()
		po.DurationSincePreviousUs = &us
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return storageError(err, "AppendRecord failed, entityID: %s", record.EntityID)
	}
	record.Seq = po.Seq
	return nil
}

func (r *GormRepo) QueryLatestRecord(ctx context.Context, entityID string) (*TransitionRecord, error) {
	pos := make([]*TransitionRecordPo, 0, 1)
	err := r.GetDBWithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("occurred_at desc").Order("seq desc").
		Limit(1).
		Find(&pos).Error
	if err != nil {
		return nil, storageError(err, "QueryLatestRecord failed, entityID: %s", entityID)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return pos[0].toEntity()
}

func (r *GormRepo) QueryRecordsAfter(ctx context.Context, entityID string, afterOccurredAt int64, afterSeq int64, limit int) ([]*TransitionRecord, error) {
	pos := make([]*TransitionRecordPo, 0, limit)
	err := r.GetDBWithContext(ctx).
		Where("entity_id = ?", entityID).
		Where("(occurred_at > ?) OR (occurred_at = ? AND seq > ?)", afterOccurredAt, afterOccurredAt, afterSeq).
		Order("occurred_at asc").Order("seq asc").
		Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, storageError(err, "QueryRecordsAfter failed, entityID: %s", entityID)
	}
	ret := make([]*TransitionRecord, 0, len(pos))
	for _, po := range pos {
		record, err := po.toEntity()
		if err != nil {
			return nil, err
		}
		ret = append(ret, record)
	}
	return ret, nil
}

func (r *GormRepo) CountRecords(ctx context.Context, entityID string) (int64, error) {
	var count int64
	if err := r.GetDBWithContext(ctx).Model(&TransitionRecordPo{}).Where("entity_id = ?", entityID).Count(&count).Error; err != nil {
		return 0, storageError(err, "CountRecords failed, entityID: %s", entityID)
	}
	return count, nil
}

func (po *TransitionRecordPo) toEntity() (*TransitionRecord, error) {
	record := &TransitionRecord{
		Seq:         po.Seq,
		ID:          po.RecordID,
		EntityID:    po.EntityID,
		FromStateID: po.FromStateID,
		ToStateID:   po.ToStateID,
		Transition:  po.TransitionName,
		ActorID:     po.ActorID,
		OccurredAt:  time.UnixMicro(po.OccurredAt),
		Context:     NewJSONContext(po.Context).ToMap(),
	}
	if po.DurationSincePreviousUs != nil {
		d := time.Duration(*po.DurationSincePreviousUs) * time.Microsecond
		record.DurationSincePrevious = &d
	}
	return record, nil
}
