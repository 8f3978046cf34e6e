package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WorkflowDefinition 工作流定义, 发布之后不可变, 新版本是新的一行
type WorkflowDefinition struct {
	ID             string
	Name           string
	Version        int64
	InitialStateID string
	Active         bool
	CreatedAt      int64
}

// State 状态定义
type State struct {
	ID           string
	DefinitionID string
	Name         string
	Initial      bool
	Terminal     bool
	// Timeout 在该状态停留的最长时间, 0 表示不超时
	Timeout time.Duration
	// TimeoutTransition 超时后由系统触发的迁移名, 为空时超时只发告警事件
	TimeoutTransition string
}

// Transition 迁移定义, 名字只在同一个 from 状态下唯一
type Transition struct {
	ID               string
	DefinitionID     string
	FromStateID      string
	ToStateID        string
	Name             string
	Auto             bool
	RequiresApproval bool
	// Retry 只有 retry 迁移允许自环
	Retry      bool
	SortOrder  int
	Conditions []ConditionRef
}

// ConditionRef 条件引用, Type 对应 ConditionEvaluator 里注册的谓词
type ConditionRef struct {
	Type   string         `json:"type" yaml:"type" validate:"required"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// DefinitionGraph 一个版本的完整定义
type DefinitionGraph struct {
	Definition  *WorkflowDefinition
	States      []*State
	Transitions []*Transition
}

func (g *DefinitionGraph) StateByName(name string) (*State, bool) {
	for _, s := range g.States {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// DefinitionConfig 工作流定义配置, 支持 json 和 yaml
type DefinitionConfig struct {
	Name        string              `json:"name" yaml:"name" validate:"required"`
	States      []*StateConfig      `json:"states" yaml:"states" validate:"required,min=1,dive"`
	Transitions []*TransitionConfig `json:"transitions" yaml:"transitions" validate:"dive"`
}

type StateConfig struct {
	Name              string `json:"name" yaml:"name" validate:"required"`
	Initial           bool   `json:"initial" yaml:"initial"`
	Terminal          bool   `json:"terminal" yaml:"terminal"`
	Timeout           string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // 例如 "30m", "48h"
	TimeoutTransition string `json:"timeout_transition,omitempty" yaml:"timeout_transition,omitempty"`
}

type TransitionConfig struct {
	Name             string         `json:"name" yaml:"name" validate:"required"`
	From             string         `json:"from" yaml:"from" validate:"required"`
	To               string         `json:"to" yaml:"to" validate:"required"`
	Auto             bool           `json:"auto" yaml:"auto"`
	RequiresApproval bool           `json:"requires_approval" yaml:"requires_approval"`
	Retry            bool           `json:"retry" yaml:"retry"`
	Conditions       []ConditionRef `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
}

func ParseDefinitionConfigJSON(b []byte) (*DefinitionConfig, error) {
	cfg := &DefinitionConfig{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(ErrDefinitionInvalid, "unmarshal json definition failed, err: %v", err)
	}
	return cfg, nil
}

func ParseDefinitionConfigYAML(b []byte) (*DefinitionConfig, error) {
	cfg := &DefinitionConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(ErrDefinitionInvalid, "unmarshal yaml definition failed, err: %v", err)
	}
	return cfg, nil
}

func definitionID(name string, version int64) string {
	return fmt.Sprintf("%s@v%d", name, version)
}

func stateID(definitionID string, stateName string) string {
	return definitionID + "." + stateName
}

func transitionID(definitionID string, from string, name string) string {
	return definitionID + "." + from + "." + name
}

// BuildDefinition 校验配置并构建某个版本的定义图
// 校验规则:
//  1. 有且只有一个初始状态
//  2. 终止状态没有出边
//  3. 迁移的 from/to 都在同一个定义里
//  4. 不允许自环, 除非显式标记为 retry
//  5. 同一个 from 状态下迁移名唯一
//  6. 没有条件的自动迁移不能成环
//  7. 名字里不能有 '.', id 用它拼接
func BuildDefinition(cfg *DefinitionConfig, version int64) (*DefinitionGraph, error) {
	if cfg == nil {
		return nil, errors.WithMessage(ErrDefinitionInvalid, "config is nil")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.Wrapf(ErrDefinitionInvalid, "definition %s, err: %v", cfg.Name, err)
	}
	if version <= 0 {
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, version must be positive", cfg.Name)
	}
	if strings.ContainsAny(cfg.Name, ".@") {
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition name %q must not contain '.' or '@'", cfg.Name)
	}
	defID := definitionID(cfg.Name, version)
	graph := &DefinitionGraph{
		Definition: &WorkflowDefinition{
			ID:      defID,
			Name:    cfg.Name,
			Version: version,
		},
		States:      make([]*State, 0, len(cfg.States)),
		Transitions: make([]*Transition, 0, len(cfg.Transitions)),
	}

	statesByName := make(map[string]*State, len(cfg.States))
	for _, sc := range cfg.States {
		name := strings.TrimSpace(sc.Name)
		if strings.Contains(name, ".") {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, state name %q must not contain '.'", cfg.Name, name)
		}
		if _, ok := statesByName[name]; ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, duplicate state %s", cfg.Name, name)
		}
		state := &State{
			ID:                stateID(defID, name),
			DefinitionID:      defID,
			Name:              name,
			Initial:           sc.Initial,
			Terminal:          sc.Terminal,
			TimeoutTransition: sc.TimeoutTransition,
		}
		if sc.Timeout != "" {
			timeout, err := time.ParseDuration(sc.Timeout)
			if err != nil || timeout <= 0 {
				return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, state %s has invalid timeout %q", cfg.Name, name, sc.Timeout)
			}
			state.Timeout = timeout
		}
		if state.Initial {
			if graph.Definition.InitialStateID != "" {
				return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, more than one initial state", cfg.Name)
			}
			graph.Definition.InitialStateID = state.ID
		}
		statesByName[name] = state
		graph.States = append(graph.States, state)
	}
	if graph.Definition.InitialStateID == "" {
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, no initial state", cfg.Name)
	}

	namesByFrom := make(map[string]map[string]struct{})
	for i, tc := range cfg.Transitions {
		if strings.Contains(tc.Name, ".") {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, transition name %q must not contain '.'", cfg.Name, tc.Name)
		}
		from, ok := statesByName[tc.From]
		if !ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, transition %s from unknown state %s", cfg.Name, tc.Name, tc.From)
		}
		to, ok := statesByName[tc.To]
		if !ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, transition %s to unknown state %s", cfg.Name, tc.Name, tc.To)
		}
		if from.Terminal {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, terminal state %s has outgoing transition %s", cfg.Name, from.Name, tc.Name)
		}
		if from.ID == to.ID && !tc.Retry {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, self loop %s on %s must be marked retry", cfg.Name, tc.Name, from.Name)
		}
		if _, ok := namesByFrom[from.Name]; !ok {
			namesByFrom[from.Name] = make(map[string]struct{})
		}
		if _, ok := namesByFrom[from.Name][tc.Name]; ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, duplicate transition %s from %s", cfg.Name, tc.Name, from.Name)
		}
		namesByFrom[from.Name][tc.Name] = struct{}{}

		conditions := make([]ConditionRef, 0, len(tc.Conditions))
		conditions = append(conditions, tc.Conditions...)
		graph.Transitions = append(graph.Transitions, &Transition{
			ID:               transitionID(defID, from.Name, tc.Name),
			DefinitionID:     defID,
			FromStateID:      from.ID,
			ToStateID:        to.ID,
			Name:             tc.Name,
			Auto:             tc.Auto,
			RequiresApproval: tc.RequiresApproval,
			Retry:            tc.Retry,
			SortOrder:        i,
			Conditions:       conditions,
		})
	}

	if err := checkUnconditionalAutoCycle(graph); err != nil {
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, %v", cfg.Name, err)
	}

	for _, state := range graph.States {
		if state.TimeoutTransition == "" {
			continue
		}
		if state.Terminal {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, terminal state %s cannot have timeout transition", cfg.Name, state.Name)
		}
		if _, ok := namesByFrom[state.Name][state.TimeoutTransition]; !ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "definition %s, timeout transition %s not defined from %s", cfg.Name, state.TimeoutTransition, state.Name)
		}
	}
	return graph, nil
}

// checkUnconditionalAutoCycle 没有任何条件的自动迁移组成的环一定会无限触发
// 带条件的环在运行时由 MaxAutoTransitionHops 兜底
func checkUnconditionalAutoCycle(graph *DefinitionGraph) error {
	next := make(map[string][]string)
	for _, t := range graph.Transitions {
		if t.Auto && !t.RequiresApproval && len(t.Conditions) == 0 {
			next[t.FromStateID] = append(next[t.FromStateID], t.ToStateID)
		}
	}
	visitMap := make(map[string]bool)
	doneMap := make(map[string]bool)
	for _, state := range graph.States {
		if err := visitAutoTransition(state.ID, next, visitMap, doneMap); err != nil {
			return err
		}
	}
	return nil
}

func visitAutoTransition(stateID string, next map[string][]string, visitMap map[string]bool, doneMap map[string]bool) error {
	if doneMap[stateID] {
		return nil
	}
	if visitMap[stateID] {
		// 已经在当前路径上, 说明有环
		return errors.New("state " + stateID + " is already visited, there is a cycle of unconditional auto transitions")
	}
	visitMap[stateID] = true
	for _, to := range next[stateID] {
		if err := visitAutoTransition(to, next, visitMap, doneMap); err != nil {
			return err
		}
	}
	visitMap[stateID] = false
	doneMap[stateID] = true
	return nil
}
