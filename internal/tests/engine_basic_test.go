package tests

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/blingmoon/simple-fsm/internal/commonregister"
	"github.com/blingmoon/simple-fsm/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDocumentReview 文档审核的完整流程
func TestDocumentReview(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	doc := commonregister.DocumentReviewName

	entity := env.create(t, doc, nil)
	assert.Equal(t, env.stateID(doc, "draft"), entity.CurrentStateID)
	assert.Equal(t, int64(1), entity.Version)

	t.Run("提交审核", func(t *testing.T) {
		record, err := env.engine.Execute(ctx, entity.ID, "submit", "alice", map[string]any{"title": "Q3 report"})
		require.NoError(t, err)
		require.NotNil(t, record.FromStateID)
		assert.Equal(t, env.stateID(doc, "draft"), *record.FromStateID)
		assert.Equal(t, env.stateID(doc, "review"), record.ToStateID)
		assert.Equal(t, "alice", record.ActorID)
		assert.Equal(t, "Q3 report", record.Context["title"])
	})

	t.Run("不存在的迁移", func(t *testing.T) {
		_, err := env.engine.Execute(ctx, entity.ID, "publish", "alice", nil)
		assert.True(t, errors.Is(err, workflow.ErrNoSuchTransition))

		var te *workflow.TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, entity.ID, te.EntityID)
		assert.Equal(t, env.stateID(doc, "review"), te.StateID)
		assert.Equal(t, "publish", te.Transition)
	})

	t.Run("条件拒绝不改变状态", func(t *testing.T) {
		_, err := env.engine.Execute(ctx, entity.ID, "approve", "bob", map[string]any{"reviewerRole": "viewer"})
		assert.True(t, errors.Is(err, workflow.ErrConditionDenied))
		assert.Equal(t, "reviewerRole must be editor", workflow.DeniedReason(err))
		assert.False(t, workflow.IsRetryableError(err))

		assert.Equal(t, env.stateID(doc, "review"), env.currentState(t, entity.ID))
		assert.Equal(t, []string{"submit"}, env.historyNames(t, entity.ID))
	})

	t.Run("审核通过", func(t *testing.T) {
		_, err := env.engine.Execute(ctx, entity.ID, "approve", "bob", map[string]any{"reviewerRole": "editor"})
		require.NoError(t, err)

		latest, err := env.engine.GetEntity(ctx, entity.ID)
		require.NoError(t, err)
		assert.Equal(t, env.stateID(doc, "published"), latest.CurrentStateID)
		require.NotNil(t, latest.PreviousStateID)
		assert.Equal(t, env.stateID(doc, "review"), *latest.PreviousStateID)
		assert.Equal(t, int64(3), latest.Version)
	})

	t.Run("终止状态拒绝所有迁移", func(t *testing.T) {
		_, err := env.engine.Execute(ctx, entity.ID, "approve", "bob", map[string]any{"reviewerRole": "editor"})
		assert.True(t, errors.Is(err, workflow.ErrTerminalState))

		available, err := env.engine.ListAvailableTransitions(ctx, entity.ID, nil)
		require.NoError(t, err)
		assert.Empty(t, available)
	})

	assert.Equal(t, []string{"submit", "approve"}, env.historyNames(t, entity.ID))
	env.assertHistoryConsistent(t, entity.ID)
}

func TestExecute_RejectDoesNotWrite(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	entity := env.create(t, commonregister.DocumentReviewName, nil)

	// 同一个错误调用重复多次, 结果一致且没有副作用
	for i := 0; i < 3; i++ {
		_, err := env.engine.Execute(ctx, entity.ID, "approve", "bob", map[string]any{"reviewerRole": "editor"})
		assert.True(t, errors.Is(err, workflow.ErrNoSuchTransition))
	}
	_, err := env.engine.Execute(ctx, entity.ID, "submit", "alice", map[string]any{"title": "  "})
	assert.Equal(t, "title must not be empty", workflow.DeniedReason(err))

	latest, err := env.engine.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Version)
	assert.Empty(t, env.historyNames(t, entity.ID))
}

func TestExecute_InvalidArguments(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	entity := env.create(t, commonregister.DocumentReviewName, nil)

	_, err := env.engine.Execute(ctx, entity.ID, "submit", "", nil)
	assert.True(t, errors.Is(err, workflow.ErrWorkflowParamInvalid))

	_, err = env.engine.Execute(ctx, "missing", "submit", "alice", nil)
	assert.True(t, errors.Is(err, workflow.ErrEntityNotFound))

	_, err = env.engine.Execute(ctx, entity.ID, "submit", "alice", map[string]any{"bad": make(chan int)})
	assert.True(t, errors.Is(err, workflow.ErrWorkflowParamInvalid))

	_, err = env.engine.CreateEntity(ctx, &workflow.CreateEntityReq{DefinitionName: "missing", ActorID: "alice"})
	assert.True(t, errors.Is(err, workflow.ErrDefinitionNotFound))

	_, err = env.engine.CreateEntity(ctx, &workflow.CreateEntityReq{ActorID: "alice"})
	assert.True(t, errors.Is(err, workflow.ErrWorkflowParamInvalid))
}

func TestExecute_ContextSnapshot(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	entity := env.create(t, commonregister.DocumentReviewName, nil)

	input := map[string]any{"title": "v1", "meta": map[string]any{"tag": "a"}}
	_, err := env.engine.Execute(ctx, entity.ID, "submit", "alice", input)
	require.NoError(t, err)

	// 调用之后修改入参不影响历史
	input["title"] = "v2"
	input["meta"].(map[string]any)["tag"] = "b"

	for record, err := range env.engine.ListHistory(ctx, entity.ID) {
		require.NoError(t, err)
		assert.Equal(t, "v1", record.Context["title"])
		assert.Equal(t, "a", record.Context["meta"].(map[string]any)["tag"])
	}
}

func TestListAvailableTransitions(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	entity := env.create(t, commonregister.DocumentReviewName, nil)

	available, err := env.engine.ListAvailableTransitions(ctx, entity.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, available)

	available, err = env.engine.ListAvailableTransitions(ctx, entity.ID, map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"submit"}, available)

	_, err = env.engine.Execute(ctx, entity.ID, "submit", "alice", map[string]any{"title": "x"})
	require.NoError(t, err)

	available, err = env.engine.ListAvailableTransitions(ctx, entity.ID, map[string]any{"reviewerRole": "editor"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reject", "approve"}, available)

	// 只是查询, 不会提交
	assert.Equal(t, []string{"submit"}, env.historyNames(t, entity.ID))
}

func TestRecordCreation(t *testing.T) {
	cfg := workflow.DefaultEngineConfig()
	cfg.RecordCreation = true
	env := setupTestEngine(t, cfg, nil)
	ctx := context.Background()
	entity := env.create(t, commonregister.DocumentReviewName, map[string]any{"source": "import"})

	_, err := env.engine.Execute(ctx, entity.ID, "submit", "alice", map[string]any{"title": "x"})
	require.NoError(t, err)

	records := make([]*workflow.TransitionRecord, 0)
	for record, err := range env.engine.ListHistory(ctx, entity.ID) {
		require.NoError(t, err)
		records = append(records, record)
	}
	require.Len(t, records, 2)
	assert.Equal(t, workflow.EventKindCreated, records[0].Transition)
	assert.Nil(t, records[0].FromStateID)
	assert.Nil(t, records[0].DurationSincePrevious)
	assert.Equal(t, "import", records[0].Context["source"])
	require.NotNil(t, records[1].DurationSincePrevious)
	env.assertHistoryConsistent(t, entity.ID)
}

func TestDefinitionVersioning(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	old := env.create(t, commonregister.DocumentReviewName, nil)

	// 新版本去掉了 submit 上的条件, 加了 archive
	v2 := env.publish(t, `
name: document_review
states:
  - {name: draft, initial: true}
  - {name: review}
  - {name: published, terminal: true}
  - {name: archived, terminal: true}
transitions:
  - {name: submit, from: draft, to: review}
  - {name: archive, from: draft, to: archived}
  - {name: approve, from: review, to: published}
`)
	assert.Equal(t, int64(2), v2.Definition.Version)

	_, err := env.engine.Execute(ctx, old.ID, "archive", "alice", nil)
	assert.True(t, errors.Is(err, workflow.ErrNoSuchTransition))
	_, err = env.engine.Execute(ctx, old.ID, "submit", "alice", nil)
	assert.True(t, errors.Is(err, workflow.ErrConditionDenied))

	fresh := env.create(t, commonregister.DocumentReviewName, nil)
	assert.Equal(t, v2.Definition.ID, fresh.DefinitionID)
	_, err = env.engine.Execute(ctx, fresh.ID, "archive", "alice", nil)
	require.NoError(t, err)

	// 指定旧版本创建
	pinned, err := env.engine.CreateEntity(ctx, &workflow.CreateEntityReq{
		DefinitionID: env.graphs[commonregister.DocumentReviewName].Definition.ID,
		ActorID:      "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "document_review@v1", pinned.DefinitionID)
}

func TestNotifier(t *testing.T) {
	var mu sync.Mutex
	events := make([]workflow.Event, 0)
	notifier := workflow.NotifierFunc(func(_ context.Context, event workflow.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
		if event.Kind == workflow.EventKindTransitioned {
			return errors.New("broker unavailable")
		}
		return nil
	})
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil, workflow.WithNotifier(notifier))
	ctx := context.Background()

	entity := env.create(t, commonregister.DocumentReviewName, nil)
	// 通知失败不影响迁移
	_, err := env.engine.Execute(ctx, entity.ID, "submit", "alice", map[string]any{"title": "x"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, workflow.EventKindCreated, events[0].Kind)
	assert.Equal(t, workflow.EventKindTransitioned, events[1].Kind)
	assert.Equal(t, "submit", events[1].Transition)
	assert.Equal(t, env.stateID(commonregister.DocumentReviewName, "draft"), events[1].FromState)
	assert.Equal(t, env.stateID(commonregister.DocumentReviewName, "review"), events[1].ToState)
}

func TestNotifier_Panic(t *testing.T) {
	notifier := workflow.NotifierFunc(func(context.Context, workflow.Event) error {
		panic("notifier bug")
	})
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil, workflow.WithNotifier(notifier))
	entity := env.create(t, commonregister.DocumentReviewName, nil)

	_, err := env.engine.Execute(context.Background(), entity.ID, "submit", "alice", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, env.stateID(commonregister.DocumentReviewName, "review"), env.currentState(t, entity.ID))
}

// TestOwnerKeptAcrossTransitions 负责人在创建时指定, 迁移不会改动它
func TestOwnerKeptAcrossTransitions(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	entity, err := env.engine.CreateEntity(ctx, &workflow.CreateEntityReq{
		DefinitionName: commonregister.DocumentReviewName,
		Owner:          workflow.String("carol"),
		ActorID:        "alice",
	})
	require.NoError(t, err)

	_, err = env.engine.Execute(ctx, entity.ID, "submit", "alice", map[string]any{"title": "x"})
	require.NoError(t, err)
	_, err = env.engine.Execute(ctx, entity.ID, "reject", "bob", nil)
	require.NoError(t, err)

	latest, err := env.engine.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	require.NotNil(t, latest.Owner)
	assert.Equal(t, "carol", *latest.Owner)
	assert.Equal(t, int64(3), latest.Version)

	unowned := env.create(t, commonregister.DocumentReviewName, nil)
	assert.Nil(t, unowned.Owner)
}

func TestListEntities(t *testing.T) {
	env := setupTestEngine(t, workflow.DefaultEngineConfig(), nil)
	ctx := context.Background()
	doc := commonregister.DocumentReviewName

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, env.create(t, doc, nil).ID)
	}
	_, err := env.engine.Execute(ctx, ids[0], "submit", "alice", map[string]any{"title": "x"})
	require.NoError(t, err)
	order := env.create(t, commonregister.OrderFulfillmentName, nil)
	sort.Strings(ids)

	t.Run("按定义分页", func(t *testing.T) {
		docID := env.graphs[doc].Definition.ID
		seen := make([]string, 0)
		for page := int64(1); page <= 3; page++ {
			resp, err := env.engine.ListEntities(ctx, &workflow.ListEntitiesReq{
				DefinitionIDs: []string{docID},
				Page:          page,
				Size:          2,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(5), resp.Total)
			for _, entity := range resp.Entities {
				seen = append(seen, entity.ID)
			}
		}
		assert.Equal(t, ids, seen)
	})

	t.Run("按状态过滤", func(t *testing.T) {
		resp, err := env.engine.ListEntities(ctx, &workflow.ListEntitiesReq{
			StateIDs: []string{env.stateID(doc, "review")},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Total)
		require.Len(t, resp.Entities, 1)
	})

	t.Run("按业务键过滤", func(t *testing.T) {
		resp, err := env.engine.ListEntities(ctx, &workflow.ListEntitiesReq{BusinessKey: order.BusinessKey})
		require.NoError(t, err)
		require.Len(t, resp.Entities, 1)
		assert.Equal(t, order.ID, resp.Entities[0].ID)
	})

	t.Run("参数错误", func(t *testing.T) {
		_, err := env.engine.ListEntities(ctx, nil)
		assert.True(t, errors.Is(err, workflow.ErrWorkflowParamInvalid))
		_, err = env.engine.ListEntities(ctx, &workflow.ListEntitiesReq{Size: 5000})
		assert.True(t, errors.Is(err, workflow.ErrWorkflowParamInvalid))
	})
}
