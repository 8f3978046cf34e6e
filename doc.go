// Package workflow 提供持久化的有限状态机迁移引擎。
//
// 定义(状态 + 迁移)发布之后不可变，实体只能沿着定义里存在的迁移移动，
// 每次迁移都在一个事务里更新实体并追加一条历史记录。
//
// 主要特性：
//   - 定义版本化：同名定义每次发布生成新版本，已有实体继续使用旧版本
//   - 条件求值：内置字段比较、角色、时间窗口、审批条件，可以注册自定义条件，未知条件一律拒绝
//   - 并发安全：悲观锁(本地锁或 Redis 分布式锁)和乐观锁(版本号)两种模式
//   - 自动迁移：进入新状态后自动触发唯一可用的自动迁移，有跳数上限
//   - 超时扫描：停留超时的实体由系统触发超时迁移或者发出告警事件
//   - 审计历史：只追加，按时间严格递增，支持惰性遍历
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/simple-fsm/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    repo := workflow.NewGormRepo(db)
//	    _ = repo.AutoMigrate(ctx)
//
//	    // 2. 创建引擎
//	    engine, _ := workflow.NewEngine(workflow.EngineDeps{
//	        DefinitionRepo: repo,
//	        EntityRepo:     repo,
//	        HistoryRepo:    repo,
//	        Lock:           workflow.NewLocalEntityLock(),
//	    }, workflow.DefaultEngineConfig())
//
//	    // 3. 发布定义
//	    cfg, _ := workflow.ParseDefinitionConfigYAML([]byte(`
//	name: document
//	states:
//	  - {name: draft, initial: true}
//	  - {name: review}
//	  - {name: published, terminal: true}
//	transitions:
//	  - {name: submit, from: draft, to: review}
//	  - name: approve
//	    from: review
//	    to: published
//	    conditions:
//	      - {type: field_equals, params: {field: reviewerRole, value: editor}}
//	`))
//	    _, _ = engine.Definitions().Publish(ctx, cfg)
//
//	    // 4. 创建实体并执行迁移
//	    entity, _ := engine.CreateEntity(ctx, &workflow.CreateEntityReq{
//	        DefinitionName: "document",
//	        ActorID:        "alice",
//	    })
//	    _, _ = engine.Execute(ctx, entity.ID, "submit", "alice", nil)
//	    _, _ = engine.Execute(ctx, entity.ID, "approve", "bob", map[string]any{"reviewerRole": "editor"})
//	}
//
// 错误处理：
//
// 所有错误都可以用 errors.Is 判断哨兵错误，迁移相关的错误是 *TransitionError，
// 带有实体、状态、迁移名和原因，不需要再查询就可以直接展示：
//
//	record, err := engine.Execute(ctx, id, "approve", "bob", input)
//	switch {
//	case errors.Is(err, workflow.ErrConditionDenied):
//	    // workflow.DeniedReason(err) 是条件给出的原因
//	case workflow.IsRetryableError(err):
//	    // 版本冲突或者等锁超时，可以退避重试
//	case record != nil && err != nil:
//	    // 请求的迁移已经提交，后续的自动迁移失败
//	}
package workflow
