package workflow

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New(validator.WithRequiredStructEnabled())

var (
	ErrWorkflowParamInvalid = errors.New("workflow param invalid")
	ErrDefinitionInvalid    = errors.New("workflow definition invalid")
	ErrDefinitionNotFound   = errors.New("workflow definition not found")
	ErrStateNotFound        = errors.New("workflow state not found")
	ErrEntityNotFound       = errors.New("workflow entity not found")
	ErrNoSuchTransition     = errors.New("no such transition")
	// ErrConditionDenied 业务规则拒绝，reason 会原样返回给调用方，改变上下文之前重试没有意义
	ErrConditionDenied = errors.New("condition denied")
	// ErrTerminalState 实体已经处于终止状态，任何迁移都不允许，包括系统自动迁移
	ErrTerminalState = errors.New("entity is in terminal state")
	// ErrVersionConflict 乐观锁版本冲突，调用方可以重试
	ErrVersionConflict = errors.New("entity version conflict")
	// ErrAmbiguousAutoTransition 同一个状态下有多个可触发的自动迁移，属于定义错误，需要人工修正
	ErrAmbiguousAutoTransition = errors.New("ambiguous auto transition")
	// ErrAutoTransitionLoop 自动迁移链超过了最大跳数，一般是定义里面有环
	ErrAutoTransitionLoop = errors.New("auto transition chain exceeds max hops")
	// ErrStorageFailure 存储层错误，原样向上传递，不吞掉
	ErrStorageFailure = errors.New("workflow storage failure")
)

type LockingMode = string

const (
	// LockingModePessimistic 同一个实体上的迁移串行执行，后来的调用阻塞等待
	LockingModePessimistic LockingMode = "pessimistic"
	// LockingModeOptimistic 不阻塞，写入时做版本检查，冲突直接失败
	LockingModeOptimistic LockingMode = "optimistic"
)

// SystemActorID 系统触发的迁移(自动迁移、超时迁移)使用的操作人
const SystemActorID = "system"

type EventKind = string

const (
	EventKindCreated        EventKind = "created"
	EventKindTransitioned   EventKind = "transitioned"
	EventKindTimeoutWarning EventKind = "timeout_warning"
)

// TransitionError 迁移失败的详细信息，调用方不需要再查询就可以直接展示
type TransitionError struct {
	Err          error
	EntityID     string
	DefinitionID string
	StateID      string
	Transition   string
	Reason       string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: entity=%s", e.Err.Error(), e.EntityID)
	if e.Transition != "" {
		msg += " transition=" + e.Transition
	}
	if e.StateID != "" {
		msg += " state=" + e.StateID
	}
	if e.Reason != "" {
		msg += " reason=" + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

func newTransitionError(err error, entity *WorkflowEntity, transition string, reason string) *TransitionError {
	te := &TransitionError{Err: err, Transition: transition, Reason: reason}
	if entity != nil {
		te.EntityID = entity.ID
		te.DefinitionID = entity.DefinitionID
		te.StateID = entity.CurrentStateID
	}
	return te
}

// DeniedReason 返回条件拒绝的原因，不是 ErrConditionDenied 返回空字符串
func DeniedReason(err error) string {
	var te *TransitionError
	if errors.As(err, &te) && errors.Is(te.Err, ErrConditionDenied) {
		return te.Reason
	}
	return ""
}

// IsRetryableError 暂时性的错误，调用方可以退避后重试
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, LockFailedError)
}

// IsSeriousError 用于判断是否需要打 error 级别日志
// 严重错误定义：需要人工介入处理，
// 1. 工作流定义有问题，比如自动迁移有歧义或者有环
// 2. 存储层出错
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAmbiguousAutoTransition) ||
		errors.Is(err, ErrAutoTransitionLoop) ||
		errors.Is(err, ErrDefinitionInvalid) ||
		errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrStorageFailure)
}

// isRaceLoserError 和其他迁移竞争失败的错误，超时扫描遇到的时候直接跳过
func isRaceLoserError(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrNoSuchTransition) ||
		errors.Is(err, ErrTerminalState) ||
		errors.Is(err, ErrConditionDenied) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, LockFailedError)
}

func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
