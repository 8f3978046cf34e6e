package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepReport 一次扫描的结果
type SweepReport struct {
	Scanned      int64
	Transitioned int64
	Warned       int64
	// Skipped 和其他迁移竞争失败, 实体已经不在超时状态了
	Skipped int64
	Failed  int64
}

// TimeoutSweeper 周期扫描停留超时的实体, 和外部调用一样走 Engine.Execute
type TimeoutSweeper struct {
	engine      *Engine
	interval    time.Duration
	batchSize   int
	concurrency int
}

func NewTimeoutSweeper(engine *Engine) *TimeoutSweeper {
	cfg := engine.Config()
	return &TimeoutSweeper{
		engine:      engine,
		interval:    cfg.SweepInterval,
		batchSize:   cfg.SweepBatchSize,
		concurrency: cfg.SweepConcurrency,
	}
}

// Run 每隔 SweepInterval 扫描一次, 直到 ctx 结束
func (s *TimeoutSweeper) Run(ctx context.Context) error {
	if err := s.engine.Definitions().Preload(ctx); err != nil {
		s.engine.Logger().WarnContext(ctx, fmt.Sprintf("[warn]Preload definitions failed, err: %v", err))
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		report, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.engine.Logger().ErrorContext(ctx, fmt.Sprintf("[error]SweepOnce failed, err: %v", err))
		} else if report != nil && report.Scanned > 0 {
			s.engine.Logger().InfoContext(ctx, "timeout sweep finished",
				"scanned", report.Scanned, "transitioned", report.Transitioned,
				"warned", report.Warned, "skipped", report.Skipped, "failed", report.Failed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce 扫描一次所有还有实体停留的定义版本上有超时配置的非终止状态
// 旧版本不再激活, 但是停留在上面的实体依然需要超时处理
// 配置了超时迁移的调用 Execute, 没有的只发 timeout_warning 事件
func (s *TimeoutSweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	definitionIDs, err := s.engine.Entities().OccupiedDefinitionIDs(ctx)
	if err != nil {
		return report, err
	}
	now := s.engine.Now()
	for _, definitionID := range definitionIDs {
		states, err := s.engine.Definitions().GetStates(ctx, definitionID)
		if err != nil {
			return report, err
		}
		for _, state := range states {
			if state.Terminal || state.Timeout <= 0 {
				continue
			}
			if err := s.sweepState(ctx, state, now, report); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

func (s *TimeoutSweeper) sweepState(ctx context.Context, state *State, now time.Time, report *SweepReport) error {
	enteredBefore := now.Add(-state.Timeout)
	afterID := ""
	for {
		entities, err := s.engine.Entities().ListOverdue(ctx, state.ID, enteredBefore, afterID, s.batchSize)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			return nil
		}
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, entity := range entities {
			g.Go(func() error {
				atomic.AddInt64(&report.Scanned, 1)
				outcome := s.handleOverdue(gCtx, state, entity, now)
				switch outcome {
				case OutcomeSuccess:
					atomic.AddInt64(&report.Transitioned, 1)
				case OutcomeWarned:
					atomic.AddInt64(&report.Warned, 1)
				case OutcomeSkipped:
					atomic.AddInt64(&report.Skipped, 1)
				default:
					atomic.AddInt64(&report.Failed, 1)
				}
				s.engine.Metrics().RecordSweep(outcome)
				// 单个实体失败不影响其他实体
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(entities) < s.batchSize {
			return nil
		}
		afterID = entities[len(entities)-1].ID
	}
}

func (s *TimeoutSweeper) handleOverdue(ctx context.Context, state *State, entity *WorkflowEntity, now time.Time) string {
	logger := s.engine.Logger()
	if state.TimeoutTransition == "" {
		s.engine.notify(ctx, Event{
			Kind:         EventKindTimeoutWarning,
			EntityID:     entity.ID,
			DefinitionID: entity.DefinitionID,
			FromState:    state.ID,
			ToState:      state.ID,
			ActorID:      SystemActorID,
			OccurredAt:   now,
		})
		return OutcomeWarned
	}
	record, err := s.engine.Execute(ctx, entity.ID, state.TimeoutTransition, SystemActorID, map[string]any{
		"trigger":       "timeout",
		"timed_out_in":  state.Name,
		"state_timeout": state.Timeout.String(),
	})
	if err == nil {
		return OutcomeSuccess
	}
	if record != nil {
		// 超时迁移已经提交, 只是后续的自动迁移失败
		logger.WarnContext(ctx, fmt.Sprintf("[warn]auto transition after timeout failed, entityID: %s, transition: %s, err: %v", entity.ID, state.TimeoutTransition, err))
		return OutcomeSuccess
	}
	if isRaceLoserError(err) {
		logger.DebugContext(ctx, "timeout transition skipped", "entity_id", entity.ID, "transition", state.TimeoutTransition, "err", err)
		return OutcomeSkipped
	}
	logger.ErrorContext(ctx, fmt.Sprintf("[error]timeout transition failed, entityID: %s, transition: %s, err: %v", entity.ID, state.TimeoutTransition, err))
	return OutcomeFailed
}
