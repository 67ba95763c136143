package domain

import (
	"context"
	"time"
)

// CheckJobCause описывает источник запроса на проверку.
type CheckJobCause string

const (
	// CheckCauseManual — проверка запрошена вручную через API.
	CheckCauseManual CheckJobCause = "manual"
	// CheckCauseScheduled — проверка запланирована по расписанию.
	CheckCauseScheduled CheckJobCause = "scheduled"
)

// CheckJob содержит информацию о задаче проверки наличия.
type CheckJob struct {
	ID          string        `json:"job_id,omitempty"`
	ItemID      int64         `json:"item_id"`
	RequestedAt time.Time     `json:"requested_at"`
	Cause       CheckJobCause `json:"cause"`
}

// CheckQueue описывает очередь задач на проверку наличия.
type CheckQueue interface {
	Enqueue(ctx context.Context, job CheckJob) error
	Receive(ctx context.Context) (CheckJob, CheckAckFunc, error)
}

// CheckAckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type CheckAckFunc func(success bool) error
