// Package tests 是 simple-fsm 的场景测试。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容：
//   - 文档审核、订单履约两个示例定义的完整流程
//   - 条件拒绝、终止状态、不存在的迁移等错误路径
//   - 悲观锁、乐观锁、Redis 锁下的并发迁移
//   - 自动迁移链、歧义和环
//   - 超时扫描
//   - 历史记录的遍历和图约束
//
// 运行测试：
//
//	go test ./internal/tests/...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/simple-fsm/workflow ./...
//	go tool cover -html=coverage.out
package tests
