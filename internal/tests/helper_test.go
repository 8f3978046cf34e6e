package tests

import (
	"context"
	"testing"

	"github.com/blingmoon/simple-fsm/internal/commonregister"
	"github.com/blingmoon/simple-fsm/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	engine *workflow.Engine
	repo   *workflow.GormRepo
	lock   workflow.EntityLock
	graphs map[string]*workflow.DefinitionGraph
}

// setupTestEngine 独立的内存库 + 示例定义
func setupTestEngine(t *testing.T, cfg workflow.EngineConfig, lock workflow.EntityLock, opts ...workflow.EngineOption) *testEnv {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := workflow.NewGormRepo(db)
	require.NoError(t, repo.AutoMigrate(context.Background()))

	if lock == nil {
		lock = workflow.NewLocalEntityLock()
	}
	engine, err := workflow.NewEngine(workflow.EngineDeps{
		DefinitionRepo: repo,
		EntityRepo:     repo,
		HistoryRepo:    repo,
		Lock:           lock,
	}, cfg, opts...)
	require.NoError(t, err)

	graphs, err := commonregister.PublishSampleDefinitions(context.Background(), engine)
	require.NoError(t, err)
	return &testEnv{engine: engine, repo: repo, lock: lock, graphs: graphs}
}

func (env *testEnv) publish(t *testing.T, yaml string) *workflow.DefinitionGraph {
	t.Helper()
	cfg, err := workflow.ParseDefinitionConfigYAML([]byte(yaml))
	require.NoError(t, err)
	graph, err := env.engine.Definitions().Publish(context.Background(), cfg)
	require.NoError(t, err)
	return graph
}

func (env *testEnv) create(t *testing.T, definitionName string, input map[string]any) *workflow.WorkflowEntity {
	t.Helper()
	entity, err := env.engine.CreateEntity(context.Background(), &workflow.CreateEntityReq{
		DefinitionName: definitionName,
		BusinessKey:    uuid.NewString(),
		ActorID:        "alice",
		Context:        input,
	})
	require.NoError(t, err)
	return entity
}

func (env *testEnv) stateID(definitionName string, stateName string) string {
	state, ok := env.graphs[definitionName].StateByName(stateName)
	if !ok {
		return ""
	}
	return state.ID
}

func (env *testEnv) currentState(t *testing.T, entityID string) string {
	t.Helper()
	entity, err := env.engine.GetEntity(context.Background(), entityID)
	require.NoError(t, err)
	return entity.CurrentStateID
}

func (env *testEnv) historyNames(t *testing.T, entityID string) []string {
	t.Helper()
	names := make([]string, 0)
	err := env.engine.Walk(context.Background(), entityID, func(record *workflow.TransitionRecord) error {
		names = append(names, record.Transition)
		return nil
	})
	require.NoError(t, err)
	return names
}

// assertHistoryConsistent 每条记录都是定义里存在的边, 时间严格递增, 最后一条的 to 是当前状态
func (env *testEnv) assertHistoryConsistent(t *testing.T, entityID string) {
	t.Helper()
	ctx := context.Background()
	entity, err := env.engine.GetEntity(ctx, entityID)
	require.NoError(t, err)

	var last *workflow.TransitionRecord
	err = env.engine.Walk(ctx, entityID, func(record *workflow.TransitionRecord) error {
		if record.FromStateID != nil {
			ok, err := env.engine.Definitions().HasEdge(ctx, entity.DefinitionID, *record.FromStateID, record.ToStateID, record.Transition)
			require.NoError(t, err)
			require.True(t, ok, "record %s is not an edge of %s", record.Transition, entity.DefinitionID)
		}
		if last != nil {
			require.True(t, record.OccurredAt.After(last.OccurredAt))
			if record.FromStateID != nil {
				require.Equal(t, last.ToStateID, *record.FromStateID)
			}
		}
		last = record
		return nil
	})
	require.NoError(t, err)
	if last != nil {
		require.Equal(t, entity.CurrentStateID, last.ToStateID)
	}
}
