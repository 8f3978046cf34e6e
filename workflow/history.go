package workflow

import (
	"context"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultHistoryPageSize = 100

// HistoryLog 迁移历史, 只追加
type HistoryLog struct {
	repo     HistoryRepo
	pageSize int
}

func NewHistoryLog(repo HistoryRepo, pageSize int) *HistoryLog {
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return &HistoryLog{repo: repo, pageSize: pageSize}
}

// Append 必须和实体的写入在同一个事务里调用
// 同一个实体的 OccurredAt 严格递增, 和上一条相同或更早时顺延一微秒
func (h *HistoryLog) Append(ctx context.Context, record *TransitionRecord) error {
	if record == nil || record.EntityID == "" || record.ToStateID == "" || record.Transition == "" || record.ActorID == "" {
		return errors.WithMessage(ErrWorkflowParamInvalid, "record requires entity, to state, transition and actor")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.OccurredAt = record.OccurredAt.Truncate(time.Microsecond)
	latest, err := h.repo.QueryLatestRecord(ctx, record.EntityID)
	if err != nil {
		return err
	}
	record.DurationSincePrevious = nil
	if latest != nil {
		if !record.OccurredAt.After(latest.OccurredAt) {
			record.OccurredAt = latest.OccurredAt.Add(time.Microsecond)
		}
		d := record.OccurredAt.Sub(latest.OccurredAt)
		record.DurationSincePrevious = &d
	}
	return h.repo.AppendRecord(ctx, record)
}

// ListForEntity 按时间和写入顺序惰性遍历实体的历史, 每次 range 都从头开始
func (h *HistoryLog) ListForEntity(ctx context.Context, entityID string) iter.Seq2[*TransitionRecord, error] {
	return func(yield func(*TransitionRecord, error) bool) {
		afterOccurredAt := int64(math.MinInt64)
		afterSeq := int64(0)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := h.repo.QueryRecordsAfter(ctx, entityID, afterOccurredAt, afterSeq, h.pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, record := range page {
				if !yield(record, nil) {
					return
				}
			}
			if len(page) < h.pageSize {
				return
			}
			last := page[len(page)-1]
			afterOccurredAt = last.OccurredAt.UnixMicro()
			afterSeq = last.Seq
		}
	}
}

func (h *HistoryLog) CountForEntity(ctx context.Context, entityID string) (int64, error) {
	return h.repo.CountRecords(ctx, entityID)
}

// Latest 没有历史时返回 nil, nil
func (h *HistoryLog) Latest(ctx context.Context, entityID string) (*TransitionRecord, error) {
	return h.repo.QueryLatestRecord(ctx, entityID)
}
