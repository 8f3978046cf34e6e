package workflow

import (
	"context"
	"iter"
)

type TransitionService interface {
	/**
	 * @description: 在定义的初始状态创建实体, 随后触发初始状态上的自动迁移
	 * @param ctx context.Context
	 * @param req *CreateEntityReq
	 *				  req.DefinitionName 使用当前激活版本
	 *				  req.DefinitionID 指定版本, 和 DefinitionName 二选一
	 * @return *WorkflowEntity, error
	 */
	CreateEntity(ctx context.Context, req *CreateEntityReq) (*WorkflowEntity, error)
	/**
	 * @description: 执行迁移
	 *				 悲观模式下同一个实体上的调用串行, ctx 超时返回 ErrLockTimeout
	 *				 乐观模式下冲突返回 ErrVersionConflict, 由调用方重试
	 *				 请求的迁移提交之后自动迁移失败时, 记录和错误同时返回
	 * @param ctx context.Context
	 * @param entityID string
	 * @param transitionName string 迁移名, 只在当前状态的出边里查找
	 * @param actorID string 操作人
	 * @param input map[string]any 条件求值使用的上下文, 会以快照写入历史
	 * @return *TransitionRecord, error
	 */
	Execute(ctx context.Context, entityID string, transitionName string, actorID string, input map[string]any) (*TransitionRecord, error)
	/**
	 * @description: 查询实体
	 * @param ctx context.Context
	 * @param entityID string
	 * @return *WorkflowEntity, error
	 */
	GetEntity(ctx context.Context, entityID string) (*WorkflowEntity, error)
	/**
	 * @description: 当前可以执行的迁移, 和 Execute 做同样的检查但不提交
	 * @param ctx context.Context
	 * @param entityID string
	 * @param input map[string]any
	 * @return []string, error
	 */
	ListAvailableTransitions(ctx context.Context, entityID string, input map[string]any) ([]string, error)
	/**
	 * @description: 惰性遍历实体历史, 按时间和写入顺序, 每次 range 从头开始
	 * @param ctx context.Context
	 * @param entityID string
	 * @return iter.Seq2[*TransitionRecord, error]
	 */
	ListHistory(ctx context.Context, entityID string) iter.Seq2[*TransitionRecord, error]
	/**
	 * @description: 分页查询实体
	 * @param ctx context.Context
	 * @param req *ListEntitiesReq
	 *				  req.DefinitionIDs, req.StateIDs 为空时不过滤
	 *				  req.Size 为 0 时默认 10
	 * @return *ListEntitiesResp, error
	 */
	ListEntities(ctx context.Context, req *ListEntitiesReq) (*ListEntitiesResp, error)
}

var _ TransitionService = (*Engine)(nil)
