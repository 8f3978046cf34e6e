package workflow

import (
	"context"
	goerrors "errors"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// DefinitionStore 定义存储, 发布之后定义不可变, 读取走实例级别的缓存
type DefinitionStore struct {
	repo   DefinitionRepo
	graphs sync.Map // definitionID -> *cachedGraph
}

type cachedGraph struct {
	definition        *WorkflowDefinition
	states            []*State
	statesByID        map[string]*State
	transitionsByFrom map[string][]*Transition
}

func NewDefinitionStore(repo DefinitionRepo) *DefinitionStore {
	return &DefinitionStore{repo: repo}
}

// Publish 发布一个新版本, 版本号自动递增
// 定义, 状态, 迁移在一个事务里写入, 最后把新版本置为激活, 同名的旧版本置为非激活
// 已经在旧版本上运行的实体继续使用旧版本
func (s *DefinitionStore) Publish(ctx context.Context, cfg *DefinitionConfig) (*DefinitionGraph, error) {
	if cfg == nil {
		return nil, errors.WithMessage(ErrDefinitionInvalid, "config is nil")
	}
	var graph *DefinitionGraph
	err := s.repo.Transaction(ctx, func(txCtx context.Context) error {
		version, err := s.repo.NextDefinitionVersion(txCtx, cfg.Name)
		if err != nil {
			return err
		}
		graph, err = BuildDefinition(cfg, version)
		if err != nil {
			return err
		}
		if err := s.repo.CreateDefinitionGraph(txCtx, graph); err != nil {
			return err
		}
		return s.repo.ActivateDefinition(txCtx, graph.Definition.ID)
	})
	if err != nil {
		return nil, err
	}
	graph.Definition.Active = true
	// 同名旧版本的激活标记变了
	s.graphs.Range(func(key, value any) bool {
		if value.(*cachedGraph).definition.Name == cfg.Name {
			s.graphs.Delete(key)
		}
		return true
	})
	return graph, nil
}

func (s *DefinitionStore) load(ctx context.Context, definitionID string) (*cachedGraph, error) {
	if v, ok := s.graphs.Load(definitionID); ok {
		return v.(*cachedGraph), nil
	}
	definition, err := s.repo.QueryDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	states, err := s.repo.QueryStates(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.repo.QueryTransitions(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	graph := &cachedGraph{
		definition:        definition,
		states:            states,
		statesByID:        make(map[string]*State, len(states)),
		transitionsByFrom: make(map[string][]*Transition),
	}
	for _, state := range states {
		graph.statesByID[state.ID] = state
	}
	for _, t := range transitions {
		graph.transitionsByFrom[t.FromStateID] = append(graph.transitionsByFrom[t.FromStateID], t)
	}
	for _, list := range graph.transitionsByFrom {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].SortOrder < list[j].SortOrder
		})
	}
	actual, _ := s.graphs.LoadOrStore(definitionID, graph)
	return actual.(*cachedGraph), nil
}

// GetDefinition 按 id 获取定义, Active 是加载时的快照
func (s *DefinitionStore) GetDefinition(ctx context.Context, definitionID string) (*WorkflowDefinition, error) {
	graph, err := s.load(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return graph.definition, nil
}

// GetActiveDefinition 获取某个名字当前激活的版本
func (s *DefinitionStore) GetActiveDefinition(ctx context.Context, name string) (*WorkflowDefinition, error) {
	definition, err := s.repo.QueryActiveDefinitionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, definition.ID); err != nil {
		return nil, err
	}
	return definition, nil
}

func (s *DefinitionStore) ListActiveDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	return s.repo.QueryActiveDefinitions(ctx)
}

func (s *DefinitionStore) GetStates(ctx context.Context, definitionID string) ([]*State, error) {
	graph, err := s.load(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return graph.states, nil
}

func (s *DefinitionStore) GetState(ctx context.Context, definitionID string, stateID string) (*State, error) {
	graph, err := s.load(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	state, ok := graph.statesByID[stateID]
	if !ok {
		return nil, errors.WithMessagef(ErrStateNotFound, "definitionID: %s, stateID: %s", definitionID, stateID)
	}
	return state, nil
}

// GetTransitions 某个状态的所有出边, 按定义顺序排列
func (s *DefinitionStore) GetTransitions(ctx context.Context, definitionID string, fromStateID string) ([]*Transition, error) {
	graph, err := s.load(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return graph.transitionsByFrom[fromStateID], nil
}

// HasEdge 判断 from -> to 是否是定义里存在的迁移
func (s *DefinitionStore) HasEdge(ctx context.Context, definitionID string, fromStateID string, toStateID string, name string) (bool, error) {
	transitions, err := s.GetTransitions(ctx, definitionID, fromStateID)
	if err != nil {
		return false, err
	}
	for _, t := range transitions {
		if t.Name == name && t.ToStateID == toStateID {
			return true, nil
		}
	}
	return false, nil
}

// Preload 把所有激活的定义加载进缓存, 单个定义失败不影响其他定义
func (s *DefinitionStore) Preload(ctx context.Context) error {
	definitions, err := s.repo.QueryActiveDefinitions(ctx)
	if err != nil {
		return errors.WithMessage(err, "Preload failed")
	}
	errorlist := make([]error, 0)
	for _, definition := range definitions {
		if _, err := s.load(ctx, definition.ID); err != nil {
			errorlist = append(errorlist, err)
		}
	}
	if len(errorlist) > 0 {
		return goerrors.Join(errorlist...)
	}
	return nil
}

// Invalidate 丢弃缓存, 下次读取时从存储重新加载
func (s *DefinitionStore) Invalidate(definitionID string) {
	s.graphs.Delete(definitionID)
}
