package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pingrobot/internal/models"
)

var (
	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("not found")
)

// ListSchedulesParams filters a schedule listing. An empty Status matches every schedule.
type ListSchedulesParams struct {
	Status models.ScheduleStatus
}

// QueryRunsParams filters and paginates runs. A nil Limit means no limit.
type QueryRunsParams struct {
	ScheduleID string
	Limit      *int
	Offset     int
}

// Validate rejects negative pagination values.
func (p QueryRunsParams) Validate() error {
	if p.Offset < 0 {
		return &models.ValidationError{Field: "offset", Reason: fmt.Sprintf("must not be negative, got %d", p.Offset)}
	}
	if p.Limit != nil && *p.Limit < 0 {
		return &models.ValidationError{Field: "limit", Reason: fmt.Sprintf("must not be negative, got %d", *p.Limit)}
	}
	return nil
}

// RunPage is one page of runs. Total counts every run matching the filter, regardless of pagination.
type RunPage struct {
	Total int          `json:"total"`
	Runs  []models.Run `json:"runs"`
}

// TargetStore holds write-once target definitions.
type TargetStore interface {
	CreateTarget(ctx context.Context, spec models.TargetSpec) (*models.Target, error)
	GetTarget(ctx context.Context, id string) (*models.Target, error)
	ListTargets(ctx context.Context) ([]models.Target, error)
}

// ScheduleStore holds schedules. Only the status of a schedule is ever mutated.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, spec models.ScheduleSpec, now time.Time) (*models.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, params ListSchedulesParams) ([]models.Schedule, error)
	PauseSchedule(ctx context.Context, id string) (*models.Schedule, error)
	// ExpireSchedules pauses every active schedule whose window has closed at now
	// and returns the schedules it transitioned.
	ExpireSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error)
}

// RunStore is the append-only execution history.
type RunStore interface {
	FindOpenRun(ctx context.Context, scheduleID string) (*models.Run, error)
	CreateRun(ctx context.Context, scheduleID string, startedAt time.Time) (*models.Run, error)
	AppendAttempt(ctx context.Context, runID string, attempt models.Attempt) error
	// RecordAttempt appends attempt to the open run of the schedule, creating
	// the run first if there is none, as a single atomic operation.
	RecordAttempt(ctx context.Context, scheduleID string, attempt models.Attempt) (*models.Run, error)
	LastAttemptAt(ctx context.Context, scheduleID string) (time.Time, bool, error)
	QueryRuns(ctx context.Context, params QueryRunsParams) (*RunPage, error)
	Aggregate(ctx context.Context, scheduleID string) (*models.Metrics, error)
}

// Storer defines the full set of storage operations.
type Storer interface {
	TargetStore
	ScheduleStore
	RunStore
	Close() error
}

// ListActive returns the schedules that may fire at now. It first persists
// the auto-pause of expired schedules and then reads the remaining active ones.
func ListActive(ctx context.Context, store ScheduleStore, now time.Time) ([]models.Schedule, []models.Schedule, error) {
	expired, err := store.ExpireSchedules(ctx, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to expire schedules: %w", err)
	}

	schedules, err := store.ListSchedules(ctx, ListSchedulesParams{Status: models.ScheduleActive})
	if err != nil {
		return nil, expired, fmt.Errorf("failed to list active schedules: %w", err)
	}

	active := schedules[:0]
	for _, s := range schedules {
		// A schedule created between the two calls may already be past its window.
		if s.Runnable(now) {
			active = append(active, s)
		}
	}
	return active, expired, nil
}

// Paginate applies offset then limit to runs.
func Paginate(runs []models.Run, params QueryRunsParams) []models.Run {
	if params.Offset >= len(runs) {
		return []models.Run{}
	}
	runs = runs[params.Offset:]
	if params.Limit != nil && *params.Limit < len(runs) {
		runs = runs[:*params.Limit]
	}
	return runs
}

// Summarize aggregates the attempts of runs into Metrics.
func Summarize(runs []models.Run) *models.Metrics {
	m := &models.Metrics{
		StatusCodeDistribution: map[int]int{},
		ErrorTypeDistribution:  map[models.ErrorType]int{},
	}

	var totalLatency float64
	for _, run := range runs {
		for _, a := range run.Attempts {
			m.TotalAttempts++
			if a.Successful() {
				m.SuccessfulAttempts++
			} else {
				m.FailedAttempts++
			}
			totalLatency += a.LatencyMS
			if a.StatusCode != nil {
				m.StatusCodeDistribution[*a.StatusCode]++
			}
			if a.ErrorType != models.ErrorNone {
				m.ErrorTypeDistribution[a.ErrorType]++
			}
		}
	}

	if m.TotalAttempts > 0 {
		m.SuccessRate = float64(m.SuccessfulAttempts) / float64(m.TotalAttempts) * 100
		m.AverageLatencyMS = models.RoundMS(totalLatency / float64(m.TotalAttempts))
	}
	return m
}
