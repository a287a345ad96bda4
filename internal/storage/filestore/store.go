// Package filestore keeps targets, schedules and runs in three JSON files
// under a data directory. Every mutation rewrites its file through a temp file
// and a rename, so a crash leaves either the old or the new contents.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
)

// FileStore implements the storage.Storer interface on JSON files.
type FileStore struct {
	targets   *collection[models.Target]
	schedules *collection[models.Schedule]
	runs      *collection[models.Run]
}

// New opens (or creates) the data files in dir.
func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	targets, err := openCollection[models.Target](filepath.Join(dir, "targets.json"))
	if err != nil {
		return nil, err
	}
	schedules, err := openCollection[models.Schedule](filepath.Join(dir, "schedules.json"))
	if err != nil {
		return nil, err
	}
	runs, err := openCollection[models.Run](filepath.Join(dir, "runs.json"))
	if err != nil {
		return nil, err
	}
	return &FileStore{targets: targets, schedules: schedules, runs: runs}, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error { return nil }

func cloneRun(r models.Run) models.Run {
	r.Attempts = append([]models.Attempt{}, r.Attempts...)
	return r
}

// CreateTarget validates and saves a new target.
func (s *FileStore) CreateTarget(_ context.Context, spec models.TargetSpec) (*models.Target, error) {
	target, err := models.NewTarget(storage.NewID(), spec, time.Now())
	if err != nil {
		return nil, err
	}
	err = s.targets.mutate(func(items []models.Target) ([]models.Target, error) {
		return append(items, target), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save target: %w", err)
	}
	return &target, nil
}

// GetTarget retrieves a target by id.
func (s *FileStore) GetTarget(_ context.Context, id string) (*models.Target, error) {
	var found *models.Target
	s.targets.read(func(items []models.Target) {
		for i := range items {
			if items[i].ID == id {
				t := items[i]
				found = &t
				return
			}
		}
	})
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

// ListTargets returns every target in insertion order.
func (s *FileStore) ListTargets(_ context.Context) ([]models.Target, error) {
	var out []models.Target
	s.targets.read(func(items []models.Target) {
		out = append([]models.Target{}, items...)
	})
	return out, nil
}

// CreateSchedule saves a new active schedule for an existing target.
func (s *FileStore) CreateSchedule(ctx context.Context, spec models.ScheduleSpec, now time.Time) (*models.Schedule, error) {
	sc, err := models.NewSchedule(storage.NewID(), spec, now)
	if err != nil {
		return nil, err
	}
	// Targets are never deleted, so the existence check cannot go stale.
	if _, err := s.GetTarget(ctx, sc.TargetID); err != nil {
		return nil, err
	}
	err = s.schedules.mutate(func(items []models.Schedule) ([]models.Schedule, error) {
		return append(items, sc), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save schedule: %w", err)
	}
	return &sc, nil
}

// GetSchedule retrieves a schedule by id.
func (s *FileStore) GetSchedule(_ context.Context, id string) (*models.Schedule, error) {
	var found *models.Schedule
	s.schedules.read(func(items []models.Schedule) {
		for i := range items {
			if items[i].ID == id {
				sc := items[i]
				found = &sc
				return
			}
		}
	})
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

// ListSchedules returns schedules in insertion order, optionally filtered by status.
func (s *FileStore) ListSchedules(_ context.Context, params storage.ListSchedulesParams) ([]models.Schedule, error) {
	out := []models.Schedule{}
	s.schedules.read(func(items []models.Schedule) {
		for _, sc := range items {
			if params.Status == "" || sc.Status == params.Status {
				out = append(out, sc)
			}
		}
	})
	return out, nil
}

// PauseSchedule sets the schedule to paused. Pausing a paused schedule does not rewrite the file.
func (s *FileStore) PauseSchedule(_ context.Context, id string) (*models.Schedule, error) {
	var paused *models.Schedule
	err := s.schedules.mutate(func(items []models.Schedule) ([]models.Schedule, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			if items[i].Status == models.SchedulePaused {
				sc := items[i]
				paused = &sc
				return nil, errUnchanged
			}
			items[i].Status = models.SchedulePaused
			sc := items[i]
			paused = &sc
			return items, nil
		}
		return nil, storage.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return paused, nil
}

// ExpireSchedules pauses every active schedule whose window has closed.
func (s *FileStore) ExpireSchedules(_ context.Context, now time.Time) ([]models.Schedule, error) {
	var expired []models.Schedule
	err := s.schedules.mutate(func(items []models.Schedule) ([]models.Schedule, error) {
		for i := range items {
			if items[i].Status == models.ScheduleActive && items[i].Expired(now) {
				items[i].Status = models.SchedulePaused
				expired = append(expired, items[i])
			}
		}
		if len(expired) == 0 {
			return nil, errUnchanged
		}
		return items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist expired schedules: %w", err)
	}
	return expired, nil
}

func openRunIndex(items []models.Run, scheduleID string) int {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ScheduleID == scheduleID && items[i].Status == models.RunRunning {
			return i
		}
	}
	return -1
}

func newRun(scheduleID string, startedAt time.Time) models.Run {
	return models.Run{
		ID:         storage.NewID(),
		ScheduleID: scheduleID,
		StartedAt:  startedAt.UTC(),
		Status:     models.RunRunning,
		Attempts:   []models.Attempt{},
	}
}

// FindOpenRun returns the most recent running run of the schedule.
func (s *FileStore) FindOpenRun(_ context.Context, scheduleID string) (*models.Run, error) {
	var found *models.Run
	s.runs.read(func(items []models.Run) {
		if i := openRunIndex(items, scheduleID); i >= 0 {
			r := cloneRun(items[i])
			found = &r
		}
	})
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

// CreateRun starts a new empty run for the schedule.
func (s *FileStore) CreateRun(_ context.Context, scheduleID string, startedAt time.Time) (*models.Run, error) {
	run := newRun(scheduleID, startedAt)
	err := s.runs.mutate(func(items []models.Run) ([]models.Run, error) {
		return append(items, run), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	return &run, nil
}

func withAttempt(r models.Run, a models.Attempt) models.Run {
	attempts := make([]models.Attempt, len(r.Attempts), len(r.Attempts)+1)
	copy(attempts, r.Attempts)
	r.Attempts = append(attempts, a)
	return r
}

// AppendAttempt adds an attempt to the end of a run.
func (s *FileStore) AppendAttempt(_ context.Context, runID string, attempt models.Attempt) error {
	return s.runs.mutate(func(items []models.Run) ([]models.Run, error) {
		for i := range items {
			if items[i].ID == runID {
				items[i] = withAttempt(items[i], attempt)
				return items, nil
			}
		}
		return nil, storage.ErrNotFound
	})
}

// RecordAttempt appends to the open run of the schedule, creating one if needed.
func (s *FileStore) RecordAttempt(_ context.Context, scheduleID string, attempt models.Attempt) (*models.Run, error) {
	var run models.Run
	err := s.runs.mutate(func(items []models.Run) ([]models.Run, error) {
		i := openRunIndex(items, scheduleID)
		if i < 0 {
			items = append(items, newRun(scheduleID, attempt.Timestamp))
			i = len(items) - 1
		}
		items[i] = withAttempt(items[i], attempt)
		run = cloneRun(items[i])
		return items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	return &run, nil
}

// LastAttemptAt returns the latest attempt timestamp across the schedule's runs.
func (s *FileStore) LastAttemptAt(_ context.Context, scheduleID string) (time.Time, bool, error) {
	var last time.Time
	var found bool
	s.runs.read(func(items []models.Run) {
		for _, r := range items {
			if r.ScheduleID != scheduleID {
				continue
			}
			for _, a := range r.Attempts {
				if !found || a.Timestamp.After(last) {
					last, found = a.Timestamp, true
				}
			}
		}
	})
	return last, found, nil
}

func (s *FileStore) filterRuns(scheduleID string) []models.Run {
	out := []models.Run{}
	s.runs.read(func(items []models.Run) {
		for _, r := range items {
			if scheduleID == "" || r.ScheduleID == scheduleID {
				out = append(out, cloneRun(r))
			}
		}
	})
	return out
}

// QueryRuns returns a page of runs in insertion order.
func (s *FileStore) QueryRuns(_ context.Context, params storage.QueryRunsParams) (*storage.RunPage, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	runs := s.filterRuns(params.ScheduleID)
	return &storage.RunPage{Total: len(runs), Runs: storage.Paginate(runs, params)}, nil
}

// Aggregate summarizes every attempt, optionally restricted to one schedule.
func (s *FileStore) Aggregate(_ context.Context, scheduleID string) (*models.Metrics, error) {
	return storage.Summarize(s.filterRuns(scheduleID)), nil
}
