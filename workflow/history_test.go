package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryLog_Append(t *testing.T) {
	repo := newTestRepo(t)
	history := NewHistoryLog(repo, 2)
	ctx := context.Background()
	graph := publishTestGraph(t, repo, documentTestConfig())
	entity := newTestEntity(graph, time.Now())
	require.NoError(t, repo.CreateEntity(ctx, entity))

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	from := graph.Definition.InitialStateID

	first := &TransitionRecord{EntityID: entity.ID, FromStateID: &from, ToStateID: "document@v1.review", Transition: "submit", ActorID: "alice", OccurredAt: at}
	require.NoError(t, history.Append(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Nil(t, first.DurationSincePrevious)

	t.Run("时间相同时顺延", func(t *testing.T) {
		second := &TransitionRecord{EntityID: entity.ID, ToStateID: "document@v1.draft", Transition: "reject", ActorID: "bob", OccurredAt: at}
		require.NoError(t, history.Append(ctx, second))
		assert.True(t, second.OccurredAt.After(first.OccurredAt))
		require.NotNil(t, second.DurationSincePrevious)
		assert.Equal(t, time.Microsecond, *second.DurationSincePrevious)
	})

	t.Run("记录上一条之后的耗时", func(t *testing.T) {
		third := &TransitionRecord{EntityID: entity.ID, ToStateID: "document@v1.review", Transition: "submit", ActorID: "alice", OccurredAt: at.Add(time.Hour)}
		require.NoError(t, history.Append(ctx, third))
		require.NotNil(t, third.DurationSincePrevious)
		assert.Equal(t, time.Hour-time.Microsecond, *third.DurationSincePrevious)
	})

	t.Run("缺少字段", func(t *testing.T) {
		err := history.Append(ctx, &TransitionRecord{EntityID: entity.ID, Transition: "submit"})
		assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))
	})

	latest, err := history.Latest(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "submit", latest.Transition)
	assert.Equal(t, "alice", latest.ActorID)

	count, err := history.CountForEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestHistoryLog_ListForEntity(t *testing.T) {
	repo := newTestRepo(t)
	history := NewHistoryLog(repo, 2)
	ctx := context.Background()
	graph := publishTestGraph(t, repo, documentTestConfig())
	entity := newTestEntity(graph, time.Now())
	require.NoError(t, repo.CreateEntity(ctx, entity))

	at := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, history.Append(ctx, &TransitionRecord{
			EntityID:   entity.ID,
			ToStateID:  "document@v1.review",
			Transition: fmt.Sprintf("step%d", i),
			ActorID:    "alice",
			OccurredAt: at,
			Context:    map[string]any{"i": i},
		}))
	}

	collect := func() []string {
		names := make([]string, 0)
		for record, err := range history.ListForEntity(ctx, entity.ID) {
			require.NoError(t, err)
			names = append(names, record.Transition)
		}
		return names
	}

	t.Run("跨页按顺序遍历", func(t *testing.T) {
		assert.Equal(t, []string{"step0", "step1", "step2", "step3", "step4"}, collect())
	})

	t.Run("可以重复遍历", func(t *testing.T) {
		assert.Equal(t, collect(), collect())
	})

	t.Run("提前结束", func(t *testing.T) {
		n := 0
		for _, err := range history.ListForEntity(ctx, entity.ID) {
			require.NoError(t, err)
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
	})

	t.Run("时间严格递增", func(t *testing.T) {
		var prev time.Time
		for record, err := range history.ListForEntity(ctx, entity.ID) {
			require.NoError(t, err)
			assert.True(t, record.OccurredAt.After(prev))
			prev = record.OccurredAt
		}
	})

	t.Run("上下文快照", func(t *testing.T) {
		for record, err := range history.ListForEntity(ctx, entity.ID) {
			require.NoError(t, err)
			v, ok := NewJSONContextFromMap(record.Context).GetFloat64("i")
			require.True(t, ok)
			assert.Equal(t, record.Transition, fmt.Sprintf("step%d", int64(v)))
		}
	})

	t.Run("ctx 取消", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		for _, err := range history.ListForEntity(cancelled, entity.ID) {
			assert.True(t, errors.Is(err, context.Canceled))
		}
	})

	t.Run("没有历史", func(t *testing.T) {
		for range history.ListForEntity(ctx, "missing") {
			t.Fatal("should be empty")
		}
	})
}
