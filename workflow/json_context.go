package workflow

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// JSONContext 封装迁移上下文, 条件求值和历史记录都通过它读写
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建, 解析失败返回空上下文
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &ctx.data)
		if ctx.data == nil {
			ctx.data = make(map[string]any)
		}
	}
	return ctx
}

// NewJSONContextFromMap 从 map 创建上下文, 共享底层 map
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 获取值，支持嵌套路径
// 例如: Get("reviewer", "role") 获取 reviewer.role
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// Lookup 按点分隔路径获取值, "reviewer.role" 等价于 Get("reviewer", "role")
func (c *JSONContext) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	return c.Get(strings.Split(path, ".")...)
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	return toFloat64(val)
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// GetTime 支持 time.Time, RFC3339 字符串和 unix 秒
func (c *JSONContext) GetTime(keys ...string) (time.Time, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return time.Time{}, false
	}
	return toTime(val)
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝, 历史记录保存的是调用时刻的快照
func (c *JSONContext) Clone() (*JSONContext, error) {
	b, err := c.ToBytes()
	if err != nil {
		return nil, errors.WithMessage(err, "JSONContext.Clone marshal failed")
	}
	return NewJSONContext(b), nil
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(val any) (time.Time, bool) {
	switch v := val.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		return t, err == nil
	default:
		if sec, ok := toFloat64(v); ok {
			return time.Unix(int64(sec), 0), true
		}
		return time.Time{}, false
	}
}
