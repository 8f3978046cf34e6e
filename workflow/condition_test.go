package workflow

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transitionWith(conditions ...ConditionRef) *Transition {
	return &Transition{Name: "t", Conditions: conditions}
}

func TestConditionEvaluator_BuiltIn(t *testing.T) {
	evaluator := NewConditionEvaluator()
	ctx := context.Background()

	tests := []struct {
		name    string
		cond    ConditionRef
		input   map[string]any
		allowed bool
		reason  string
	}{
		{
			name:    "field_equals 通过",
			cond:    ConditionRef{Type: ConditionTypeFieldEquals, Params: map[string]any{"field": "reviewerRole", "value": "editor"}},
			input:   map[string]any{"reviewerRole": "editor"},
			allowed: true,
		},
		{
			name:   "field_equals 拒绝",
			cond:   ConditionRef{Type: ConditionTypeFieldEquals, Params: map[string]any{"field": "reviewerRole", "value": "editor"}},
			input:  map[string]any{"reviewerRole": "viewer"},
			reason: "reviewerRole must be editor",
		},
		{
			name:    "field_equals 数字类型不敏感",
			cond:    ConditionRef{Type: ConditionTypeFieldEquals, Params: map[string]any{"field": "level", "value": 3}},
			input:   map[string]any{"level": float64(3)},
			allowed: true,
		},
		{
			name:    "field_equals 嵌套字段",
			cond:    ConditionRef{Type: ConditionTypeFieldEquals, Params: map[string]any{"field": "reviewer.role", "value": "editor"}},
			input:   map[string]any{"reviewer": map[string]any{"role": "editor"}},
			allowed: true,
		},
		{
			name:    "field_compare gt",
			cond:    ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "amount", "op": "gt", "value": 0}},
			input:   map[string]any{"amount": 12.5},
			allowed: true,
		},
		{
			name:   "field_compare gt 拒绝",
			cond:   ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "amount", "op": "gt", "value": 0}},
			input:  map[string]any{"amount": 0},
			reason: "amount must be gt 0",
		},
		{
			name:    "field_compare 嵌套数值",
			cond:    ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "order.total", "op": "gte", "value": 100}},
			input:   map[string]any{"order": map[string]any{"total": int64(100)}},
			allowed: true,
		},
		{
			name:   "field_compare 非数值",
			cond:   ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "amount", "op": "gt", "value": 0}},
			input:  map[string]any{"amount": "ten"},
			reason: "amount must be numeric",
		},
		{
			name:   "field_compare 字段缺失",
			cond:   ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "amount", "op": "lte", "value": 100}},
			input:  map[string]any{},
			reason: "amount is required",
		},
		{
			name:    "field_compare in",
			cond:    ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "region", "op": "in", "value": []any{"cn", "us"}}},
			input:   map[string]any{"region": "us"},
			allowed: true,
		},
		{
			name:    "field_compare exists",
			cond:    ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "trackingNo", "op": "exists"}},
			input:   map[string]any{"trackingNo": "SF123"},
			allowed: true,
		},
		{
			name:   "field_compare 未知操作",
			cond:   ConditionRef{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "amount", "op": "between"}},
			input:  map[string]any{"amount": 1},
			reason: `unknown compare op "between"`,
		},
		{
			name:    "role 多角色",
			cond:    ConditionRef{Type: ConditionTypeRole, Params: map[string]any{"roles": []any{"admin", "editor"}}},
			input:   map[string]any{"role": []any{"viewer", "editor"}},
			allowed: true,
		},
		{
			name:   "role 拒绝",
			cond:   ConditionRef{Type: ConditionTypeRole, Params: map[string]any{"field": "actorRole", "roles": []any{"admin"}}},
			input:  map[string]any{"actorRole": "viewer"},
			reason: "actorRole must be one of [admin]",
		},
		{
			name:   "自定义拒绝原因",
			cond:   ConditionRef{Type: ConditionTypeFieldEquals, Params: map[string]any{"field": "signed", "value": true, "message": "contract must be signed"}},
			input:  map[string]any{"signed": false},
			reason: "contract must be signed",
		},
		{
			name:   "未知条件类型一律拒绝",
			cond:   ConditionRef{Type: "credit_check"},
			input:  map[string]any{},
			reason: `unknown condition type "credit_check"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, reason := evaluator.Evaluate(ctx, transitionWith(tt.cond), tt.input)
			assert.Equal(t, tt.allowed, allowed)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestConditionEvaluator_ShortCircuit(t *testing.T) {
	evaluator := NewConditionEvaluator()
	called := false
	require.NoError(t, evaluator.Register("spy", func(ctx context.Context, params *JSONContext, input *JSONContext) (bool, string) {
		called = true
		return true, ""
	}))

	transition := transitionWith(
		ConditionRef{Type: ConditionTypeFieldEquals, Params: map[string]any{"field": "a", "value": 1}},
		ConditionRef{Type: "spy"},
	)
	allowed, reason := evaluator.Evaluate(context.Background(), transition, map[string]any{"a": 2})
	assert.False(t, allowed)
	assert.Equal(t, "a must be 1", reason)
	assert.False(t, called)

	allowed, _ = evaluator.Evaluate(context.Background(), transition, map[string]any{"a": 1})
	assert.True(t, allowed)
	assert.True(t, called)
}

func TestConditionEvaluator_Register(t *testing.T) {
	evaluator := NewConditionEvaluator()

	t.Run("重复注册", func(t *testing.T) {
		err := evaluator.Register(ConditionTypeRole, func(context.Context, *JSONContext, *JSONContext) (bool, string) {
			return true, ""
		})
		assert.Error(t, err)
	})

	t.Run("panic 视为拒绝", func(t *testing.T) {
		require.NoError(t, evaluator.Register("explode", func(context.Context, *JSONContext, *JSONContext) (bool, string) {
			panic("credit service down")
		}))
		allowed, reason := evaluator.Evaluate(context.Background(), transitionWith(ConditionRef{Type: "explode"}), nil)
		assert.False(t, allowed)
		assert.Contains(t, reason, "credit service down")
	})

	t.Run("实例之间互不影响", func(t *testing.T) {
		other := NewConditionEvaluator()
		allowed, _ := other.Evaluate(context.Background(), transitionWith(ConditionRef{Type: "explode"}), nil)
		assert.False(t, allowed)
		require.NoError(t, other.Register("explode", func(context.Context, *JSONContext, *JSONContext) (bool, string) {
			return true, ""
		}))
		allowed, _ = other.Evaluate(context.Background(), transitionWith(ConditionRef{Type: "explode"}), nil)
		assert.True(t, allowed)
	})
}

func TestConditionEvaluator_RequiresApproval(t *testing.T) {
	evaluator := NewConditionEvaluator()
	transition := &Transition{
		Name:             "ship",
		RequiresApproval: true,
		Conditions: []ConditionRef{
			{Type: ConditionTypeFieldCompare, Params: map[string]any{"field": "trackingNo", "op": "exists"}},
		},
	}

	allowed, reason := evaluator.Evaluate(context.Background(), transition, map[string]any{"trackingNo": "SF1"})
	assert.False(t, allowed)
	assert.Equal(t, "approval required", reason)

	allowed, reason = evaluator.Evaluate(context.Background(), transition, map[string]any{"approved": true})
	assert.False(t, allowed)
	assert.Equal(t, "trackingNo is required", reason)

	allowed, _ = evaluator.Evaluate(context.Background(), transition, map[string]any{"approved": true, "trackingNo": "SF1"})
	assert.True(t, allowed)
}

func TestConditionEvaluator_TimeWindow(t *testing.T) {
	evaluator := NewConditionEvaluator()
	now := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	evaluator.SetClock(func() time.Time { return now })
	ctx := context.Background()

	t.Run("每日窗口", func(t *testing.T) {
		cond := ConditionRef{Type: ConditionTypeTimeWindow, Params: map[string]any{"start": "09:00", "end": "18:00"}}
		allowed, reason := evaluator.Evaluate(ctx, transitionWith(cond), nil)
		assert.False(t, allowed)
		assert.Equal(t, "only allowed between 09:00 and 18:00", reason)
	})

	t.Run("跨天窗口", func(t *testing.T) {
		cond := ConditionRef{Type: ConditionTypeTimeWindow, Params: map[string]any{"start": "22:00", "end": "06:00"}}
		allowed, _ := evaluator.Evaluate(ctx, transitionWith(cond), nil)
		assert.True(t, allowed)
	})

	t.Run("时区", func(t *testing.T) {
		// UTC 23:30 是东八区 07:30
		cond := ConditionRef{Type: ConditionTypeTimeWindow, Params: map[string]any{"start": "07:00", "end": "08:00", "timezone": "Asia/Shanghai"}}
		allowed, _ := evaluator.Evaluate(ctx, transitionWith(cond), nil)
		assert.True(t, allowed)
	})

	t.Run("绝对时间", func(t *testing.T) {
		cond := ConditionRef{Type: ConditionTypeTimeWindow, Params: map[string]any{
			"after":  "2024-03-01T00:00:00Z",
			"before": "2024-03-02T00:00:00Z",
		}}
		allowed, _ := evaluator.Evaluate(ctx, transitionWith(cond), nil)
		assert.True(t, allowed)

		cond.Params["before"] = "2024-03-01T12:00:00Z"
		allowed, reason := evaluator.Evaluate(ctx, transitionWith(cond), nil)
		assert.False(t, allowed)
		assert.Equal(t, "not allowed after 2024-03-01T12:00:00Z", reason)
	})

	t.Run("使用上下文里的时间", func(t *testing.T) {
		cond := ConditionRef{Type: ConditionTypeTimeWindow, Params: map[string]any{"field": "requestedAt", "start": "09:00", "end": "18:00"}}
		allowed, _ := evaluator.Evaluate(ctx, transitionWith(cond), map[string]any{"requestedAt": "2024-03-01T10:00:00Z"})
		assert.True(t, allowed)

		allowed, reason := evaluator.Evaluate(ctx, transitionWith(cond), nil)
		assert.False(t, allowed)
		assert.Equal(t, "requestedAt is required", reason)
	})
}
