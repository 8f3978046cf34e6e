package workflow

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	ConditionTypeFieldEquals  = "field_equals"
	ConditionTypeFieldCompare = "field_compare"
	ConditionTypeRole         = "role"
	ConditionTypeTimeWindow   = "time_window"
	ConditionTypeApproved     = "approved"
)

// PredicateFunc 条件谓词, params 是条件上配置的参数, input 是调用方传入的上下文
// 返回 false 时 reason 会原样返回给调用方
type PredicateFunc func(ctx context.Context, params *JSONContext, input *JSONContext) (allowed bool, reason string)

// ConditionEvaluator 条件求值器, 无状态, 按条件类型找到谓词执行
// 未注册的条件类型一律拒绝
type ConditionEvaluator struct {
	mu         sync.RWMutex
	predicates map[string]PredicateFunc
	now        func() time.Time
}

func NewConditionEvaluator() *ConditionEvaluator {
	e := &ConditionEvaluator{
		predicates: make(map[string]PredicateFunc),
		now:        time.Now,
	}
	e.predicates[ConditionTypeFieldEquals] = fieldEqualsPredicate
	e.predicates[ConditionTypeFieldCompare] = fieldComparePredicate
	e.predicates[ConditionTypeRole] = rolePredicate
	e.predicates[ConditionTypeTimeWindow] = e.timeWindowPredicate
	e.predicates[ConditionTypeApproved] = approvedPredicate
	return e
}

// SetClock 测试使用, 替换 time_window 的当前时间
func (e *ConditionEvaluator) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *ConditionEvaluator) Register(conditionType string, predicate PredicateFunc) error {
	if conditionType == "" || predicate == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "condition type and predicate are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.predicates[conditionType]; ok {
		return errors.Errorf("condition type already registered, type: %s", conditionType)
	}
	e.predicates[conditionType] = predicate
	return nil
}

// Evaluate 依次执行迁移上的条件(AND), 第一个失败的条件短路返回
// requires_approval 的迁移先检查 approved
func (e *ConditionEvaluator) Evaluate(ctx context.Context, transition *Transition, input map[string]any) (bool, string) {
	if transition == nil {
		return false, "transition is nil"
	}
	inputCtx := NewJSONContextFromMap(input)
	conditions := transition.Conditions
	if transition.RequiresApproval {
		conditions = append([]ConditionRef{{Type: ConditionTypeApproved}}, conditions...)
	}
	for _, cond := range conditions {
		allowed, reason := e.evaluateOne(ctx, cond, inputCtx)
		if !allowed {
			return false, reason
		}
	}
	return true, ""
}

func (e *ConditionEvaluator) evaluateOne(ctx context.Context, cond ConditionRef, input *JSONContext) (allowed bool, reason string) {
	e.mu.RLock()
	predicate, ok := e.predicates[cond.Type]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Sprintf("unknown condition type %q", cond.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			allowed = false
			reason = fmt.Sprintf("condition %s panicked: %v", cond.Type, r)
		}
	}()
	params := NewJSONContextFromMap(cond.Params)
	allowed, reason = predicate(ctx, params, input)
	if allowed {
		return true, ""
	}
	if msg, ok := params.GetString("message"); ok && msg != "" {
		return false, msg
	}
	if reason == "" {
		reason = fmt.Sprintf("condition %s not satisfied", cond.Type)
	}
	return false, reason
}

// fieldEqualsPredicate params: field, value
func fieldEqualsPredicate(_ context.Context, params *JSONContext, input *JSONContext) (bool, string) {
	field, _ := params.GetString("field")
	expected, _ := params.Get("value")
	actual, ok := input.Lookup(field)
	if ok && valuesEqual(actual, expected) {
		return true, ""
	}
	return false, fmt.Sprintf("%s must be %v", field, expected)
}

// fieldComparePredicate params: field, op(eq|ne|gt|gte|lt|lte|in|exists), value
func fieldComparePredicate(_ context.Context, params *JSONContext, input *JSONContext) (bool, string) {
	field, _ := params.GetString("field")
	op, _ := params.GetString("op")
	expected, _ := params.Get("value")
	actual, ok := input.Lookup(field)
	if op == "exists" {
		if ok && actual != nil {
			return true, ""
		}
		return false, fmt.Sprintf("%s is required", field)
	}
	if !ok {
		return false, fmt.Sprintf("%s is required", field)
	}
	switch op {
	case "eq", "":
		if valuesEqual(actual, expected) {
			return true, ""
		}
		return false, fmt.Sprintf("%s must be %v", field, expected)
	case "ne":
		if !valuesEqual(actual, expected) {
			return true, ""
		}
		return false, fmt.Sprintf("%s must not be %v", field, expected)
	case "in":
		list, _ := expected.([]any)
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("%s must be one of %v", field, expected)
	case "gt", "gte", "lt", "lte":
		a, okA := input.GetFloat64(strings.Split(field, ".")...)
		b, okB := params.GetFloat64("value")
		if !okA || !okB {
			return false, fmt.Sprintf("%s must be numeric", field)
		}
		var pass bool
		switch op {
		case "gt":
			pass = a > b
		case "gte":
			pass = a >= b
		case "lt":
			pass = a < b
		case "lte":
			pass = a <= b
		}
		if pass {
			return true, ""
		}
		return false, fmt.Sprintf("%s must be %s %v", field, op, expected)
	}
	return false, fmt.Sprintf("unknown compare op %q", op)
}

// rolePredicate params: field(默认 role), roles
func rolePredicate(_ context.Context, params *JSONContext, input *JSONContext) (bool, string) {
	field, _ := params.GetString("field")
	if field == "" {
		field = "role"
	}
	roles, _ := params.Get("roles")
	allowedRoles := toStringSlice(roles)
	actual, _ := input.Lookup(field)
	for _, role := range toStringSlice(actual) {
		for _, allowed := range allowedRoles {
			if role == allowed {
				return true, ""
			}
		}
	}
	return false, fmt.Sprintf("%s must be one of [%s]", field, strings.Join(allowedRoles, ", "))
}

// timeWindowPredicate params: after/before(RFC3339) 或者 start/end("HH:MM", 每天的时间窗口),
// field 为空时使用当前时间
func (e *ConditionEvaluator) timeWindowPredicate(_ context.Context, params *JSONContext, input *JSONContext) (bool, string) {
	e.mu.RLock()
	at := e.now()
	e.mu.RUnlock()
	if field, ok := params.GetString("field"); ok && field != "" {
		v, ok := input.Lookup(field)
		if !ok {
			return false, fmt.Sprintf("%s is required", field)
		}
		t, ok := toTime(v)
		if !ok {
			return false, fmt.Sprintf("%s must be a time", field)
		}
		at = t
	}
	if after, ok := params.GetTime("after"); ok && at.Before(after) {
		return false, fmt.Sprintf("not allowed before %s", after.Format(time.RFC3339))
	}
	if before, ok := params.GetTime("before"); ok && !at.Before(before) {
		return false, fmt.Sprintf("not allowed after %s", before.Format(time.RFC3339))
	}
	start, hasStart := params.GetString("start")
	end, hasEnd := params.GetString("end")
	if hasStart && hasEnd {
		startMin, err1 := parseClockMinutes(start)
		endMin, err2 := parseClockMinutes(end)
		if err1 != nil || err2 != nil {
			return false, "invalid time window"
		}
		if loc, ok := params.GetString("timezone"); ok && loc != "" {
			if l, err := time.LoadLocation(loc); err == nil {
				at = at.In(l)
			}
		}
		cur := at.Hour()*60 + at.Minute()
		inWindow := cur >= startMin && cur < endMin
		if startMin > endMin {
			// 跨天窗口, 例如 22:00-06:00
			inWindow = cur >= startMin || cur < endMin
		}
		if !inWindow {
			return false, fmt.Sprintf("only allowed between %s and %s", start, end)
		}
	}
	return true, ""
}

// approvedPredicate requires_approval 的迁移需要上下文 approved=true
func approvedPredicate(_ context.Context, _ *JSONContext, input *JSONContext) (bool, string) {
	if approved, ok := input.GetBool("approved"); ok && approved {
		return true, ""
	}
	return false, "approval required"
}

func parseClockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func valuesEqual(a, b any) bool {
	fa, okA := toFloat64(a)
	fb, okB := toFloat64(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toStringSlice(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		ret := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				ret = append(ret, s)
			}
		}
		return ret
	}
	return nil
}
