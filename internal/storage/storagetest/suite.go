// Package storagetest holds the behaviour every storage.Storer backend must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
)

// Factory returns a fresh, empty store. Cleanup is the factory's responsibility.
type Factory func(t *testing.T) storage.Storer

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func createTarget(t *testing.T, store storage.Storer) *models.Target {
	t.Helper()
	target, err := store.CreateTarget(context.Background(), models.TargetSpec{URL: "https://example.com/ping"})
	require.NoError(t, err)
	return target
}

func createSchedule(t *testing.T, store storage.Storer, now time.Time, interval, duration int) *models.Schedule {
	t.Helper()
	target := createTarget(t, store)
	sc, err := store.CreateSchedule(context.Background(), models.ScheduleSpec{
		TargetID:        target.ID,
		IntervalSeconds: interval,
		DurationSeconds: duration,
	}, now)
	require.NoError(t, err)
	return sc
}

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 30, 0, 123456000, time.UTC) // microseconds: postgres precision

	t.Run("target create and get", func(t *testing.T) {
		store := newStore(t)
		created, err := store.CreateTarget(ctx, models.TargetSpec{
			URL:          "https://example.com/hook",
			Method:       "post",
			Headers:      map[string]string{"X-Token": "abc"},
			BodyTemplate: strPtr(`{"ping":true}`),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "POST", created.Method)

		got, err := store.GetTarget(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.URL, got.URL)
		assert.Equal(t, "POST", got.Method)
		assert.Equal(t, map[string]string{"X-Token": "abc"}, got.Headers)
		require.NotNil(t, got.BodyTemplate)
		assert.Equal(t, `{"ping":true}`, *got.BodyTemplate)

		plain := createTarget(t, store)
		got, err = store.GetTarget(ctx, plain.ID)
		require.NoError(t, err)
		assert.Equal(t, "GET", got.Method)
		assert.Empty(t, got.Headers)
		assert.Nil(t, got.BodyTemplate)

		all, err := store.ListTargets(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, created.ID, all[0].ID)
		assert.Equal(t, plain.ID, all[1].ID)
	})

	t.Run("target validation and not found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateTarget(ctx, models.TargetSpec{URL: ""})
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = store.CreateTarget(ctx, models.TargetSpec{URL: "https://example.com", Method: "TRACE"})
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = store.GetTarget(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("schedule create computes ends_at once", func(t *testing.T) {
		store := newStore(t)
		sc := createSchedule(t, store, base, 10, 90)
		assert.Equal(t, models.ScheduleActive, sc.Status)
		assert.True(t, sc.EndsAt.Equal(sc.CreatedAt.Add(90*time.Second)))

		got, err := store.GetSchedule(ctx, sc.ID)
		require.NoError(t, err)
		assert.True(t, got.CreatedAt.Equal(base), "created_at %v", got.CreatedAt)
		assert.True(t, got.EndsAt.Equal(base.Add(90*time.Second)), "ends_at %v", got.EndsAt)

		_, err = store.PauseSchedule(ctx, sc.ID)
		require.NoError(t, err)
		got, err = store.GetSchedule(ctx, sc.ID)
		require.NoError(t, err)
		assert.True(t, got.EndsAt.Equal(base.Add(90*time.Second)))
	})

	t.Run("schedule create rejects bad input", func(t *testing.T) {
		store := newStore(t)
		target := createTarget(t, store)
		_, err := store.CreateSchedule(ctx, models.ScheduleSpec{TargetID: "missing", IntervalSeconds: 1, DurationSeconds: 1}, base)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.CreateSchedule(ctx, models.ScheduleSpec{TargetID: target.ID, IntervalSeconds: 0, DurationSeconds: 1}, base)
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = store.CreateSchedule(ctx, models.ScheduleSpec{TargetID: target.ID, IntervalSeconds: 1, DurationSeconds: -5}, base)
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = store.CreateSchedule(ctx, models.ScheduleSpec{TargetID: target.ID, IntervalSeconds: 10_000_000_000, DurationSeconds: 60}, base)
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = store.CreateSchedule(ctx, models.ScheduleSpec{TargetID: target.ID, IntervalSeconds: 60, DurationSeconds: models.MaxScheduleSeconds + 1}, base)
		assert.ErrorIs(t, err, models.ErrValidation)

		sc, err := store.CreateSchedule(ctx, models.ScheduleSpec{TargetID: target.ID, IntervalSeconds: models.MaxScheduleSeconds, DurationSeconds: models.MaxScheduleSeconds}, base)
		require.NoError(t, err)
		got, err := store.GetSchedule(ctx, sc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MaxScheduleSeconds, got.IntervalSeconds)
		assert.True(t, got.EndsAt.Equal(sc.EndsAt))
	})

	t.Run("pause is idempotent", func(t *testing.T) {
		store := newStore(t)
		sc := createSchedule(t, store, base, 5, 60)

		first, err := store.PauseSchedule(ctx, sc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SchedulePaused, first.Status)

		second, err := store.PauseSchedule(ctx, sc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SchedulePaused, second.Status)
		assert.Equal(t, first.ID, second.ID)

		_, err = store.PauseSchedule(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list active expires lazily", func(t *testing.T) {
		store := newStore(t)
		short := createSchedule(t, store, base, 1, 10)
		long := createSchedule(t, store, base, 1, 100)
		paused := createSchedule(t, store, base, 1, 100)
		_, err := store.PauseSchedule(ctx, paused.ID)
		require.NoError(t, err)

		active, expired, err := storage.ListActive(ctx, store, base.Add(5*time.Second))
		require.NoError(t, err)
		assert.Len(t, active, 2)
		assert.Empty(t, expired)

		// Exactly at ends_at the window is closed.
		active, expired, err = storage.ListActive(ctx, store, short.EndsAt)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, long.ID, active[0].ID)
		require.Len(t, expired, 1)
		assert.Equal(t, short.ID, expired[0].ID)

		got, err := store.GetSchedule(ctx, short.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SchedulePaused, got.Status)

		// Once paused, a schedule is not expired again.
		_, expired, err = storage.ListActive(ctx, store, short.EndsAt.Add(time.Second))
		require.NoError(t, err)
		assert.Empty(t, expired)

		all, err := store.ListSchedules(ctx, storage.ListSchedulesParams{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
		pausedOnly, err := store.ListSchedules(ctx, storage.ListSchedulesParams{Status: models.SchedulePaused})
		require.NoError(t, err)
		assert.Len(t, pausedOnly, 2)
	})

	t.Run("runs find create append", func(t *testing.T) {
		store := newStore(t)
		_, err := store.FindOpenRun(ctx, "sched")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		run, err := store.CreateRun(ctx, "sched", base)
		require.NoError(t, err)
		assert.Equal(t, models.RunRunning, run.Status)

		for i := 0; i < 3; i++ {
			require.NoError(t, store.AppendAttempt(ctx, run.ID, models.Attempt{
				Timestamp:  base.Add(time.Duration(i) * time.Second),
				StatusCode: intPtr(200 + i),
				LatencyMS:  float64(i) + 0.5,
			}))
		}
		assert.ErrorIs(t, store.AppendAttempt(ctx, "missing", models.Attempt{Timestamp: base}), storage.ErrNotFound)

		open, err := store.FindOpenRun(ctx, "sched")
		require.NoError(t, err)
		assert.Equal(t, run.ID, open.ID)
		require.Len(t, open.Attempts, 3)
		for i, a := range open.Attempts {
			require.NotNil(t, a.StatusCode)
			assert.Equal(t, 200+i, *a.StatusCode, "attempts keep insertion order")
		}
	})

	t.Run("record attempt reuses the open run", func(t *testing.T) {
		store := newStore(t)
		first, err := store.RecordAttempt(ctx, "sched", models.Attempt{Timestamp: base, StatusCode: intPtr(200)})
		require.NoError(t, err)
		second, err := store.RecordAttempt(ctx, "sched", models.Attempt{Timestamp: base.Add(time.Second), ErrorType: models.ErrorDNS})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		page, err := store.QueryRuns(ctx, storage.QueryRunsParams{ScheduleID: "sched"})
		require.NoError(t, err)
		require.Equal(t, 1, page.Total)
		require.Len(t, page.Runs[0].Attempts, 2)
		assert.Nil(t, page.Runs[0].Attempts[1].StatusCode)
		assert.Equal(t, models.ErrorDNS, page.Runs[0].Attempts[1].ErrorType)
		assert.Equal(t, models.ErrorNone, page.Runs[0].Attempts[0].ErrorType)
	})

	t.Run("last attempt at", func(t *testing.T) {
		store := newStore(t)
		_, ok, err := store.LastAttemptAt(ctx, "sched")
		require.NoError(t, err)
		assert.False(t, ok)

		older, err := store.CreateRun(ctx, "sched", base)
		require.NoError(t, err)
		require.NoError(t, store.AppendAttempt(ctx, older.ID, models.Attempt{Timestamp: base.Add(7 * time.Second)}))
		_, err = store.RecordAttempt(ctx, "sched", models.Attempt{Timestamp: base.Add(3 * time.Second)})
		require.NoError(t, err)
		_, err = store.RecordAttempt(ctx, "other", models.Attempt{Timestamp: base.Add(time.Hour)})
		require.NoError(t, err)

		last, ok, err := store.LastAttemptAt(ctx, "sched")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, last.Equal(base.Add(7*time.Second)), "got %v", last)
	})

	t.Run("query pagination", func(t *testing.T) {
		store := newStore(t)
		const total = 7
		ids := make([]string, total)
		for i := 0; i < total; i++ {
			sched := "a"
			if i%2 == 1 {
				sched = "b"
			}
			run, err := store.CreateRun(ctx, sched, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			ids[i] = run.ID
		}

		cases := []struct {
			limit  *int
			offset int
		}{
			{nil, 0}, {intPtr(3), 0}, {intPtr(3), 5}, {intPtr(3), 7}, {intPtr(10), 2}, {intPtr(0), 0}, {nil, 4},
		}
		for _, c := range cases {
			name := fmt.Sprintf("limit=%v offset=%d", c.limit, c.offset)
			if c.limit != nil {
				name = fmt.Sprintf("limit=%d offset=%d", *c.limit, c.offset)
			}
			t.Run(name, func(t *testing.T) {
				page, err := store.QueryRuns(ctx, storage.QueryRunsParams{Limit: c.limit, Offset: c.offset})
				require.NoError(t, err)
				assert.Equal(t, total, page.Total)
				want := total - c.offset
				if want < 0 {
					want = 0
				}
				if c.limit != nil && *c.limit < want {
					want = *c.limit
				}
				require.Len(t, page.Runs, want)
				for i, r := range page.Runs {
					assert.Equal(t, ids[c.offset+i], r.ID)
				}
			})
		}

		page, err := store.QueryRuns(ctx, storage.QueryRunsParams{ScheduleID: "b", Limit: intPtr(2)})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Len(t, page.Runs, 2)

		_, err = store.QueryRuns(ctx, storage.QueryRunsParams{Offset: -1})
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("aggregate", func(t *testing.T) {
		store := newStore(t)
		outcomes := []models.Attempt{
			{StatusCode: intPtr(200), LatencyMS: 12.5},
			{StatusCode: intPtr(200), LatencyMS: 7.5},
			{StatusCode: intPtr(500), LatencyMS: 20, ErrorType: models.Error5xx},
			{LatencyMS: 10000, ErrorType: models.ErrorTimeout},
		}
		for i, a := range outcomes {
			a.Timestamp = base.Add(time.Duration(i) * time.Second)
			_, err := store.RecordAttempt(ctx, "sched", a)
			require.NoError(t, err)
		}
		_, err := store.RecordAttempt(ctx, "other", models.Attempt{Timestamp: base, StatusCode: intPtr(404), ErrorType: models.Error4xx})
		require.NoError(t, err)

		m, err := store.Aggregate(ctx, "sched")
		require.NoError(t, err)
		assert.Equal(t, 4, m.TotalAttempts)
		assert.Equal(t, 2, m.SuccessfulAttempts)
		assert.Equal(t, 2, m.FailedAttempts)
		assert.InDelta(t, 50.0, m.SuccessRate, 0.001)
		assert.InDelta(t, 2510.0, m.AverageLatencyMS, 0.001)
		assert.Equal(t, map[int]int{200: 2, 500: 1}, m.StatusCodeDistribution)
		assert.Equal(t, map[models.ErrorType]int{models.Error5xx: 1, models.ErrorTimeout: 1}, m.ErrorTypeDistribution)

		all, err := store.Aggregate(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 5, all.TotalAttempts)
		assert.Equal(t, 1, all.ErrorTypeDistribution[models.Error4xx])
	})

	t.Run("concurrent appends are not lost", func(t *testing.T) {
		store := newStore(t)
		run, err := store.CreateRun(ctx, "sched", base)
		require.NoError(t, err)

		const writers = 16
		var wg sync.WaitGroup
		errs := make(chan error, writers*2)
		for i := 0; i < writers; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				errs <- store.AppendAttempt(ctx, run.ID, models.Attempt{Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
			}(i)
			go func(i int) {
				defer wg.Done()
				_, err := store.RecordAttempt(ctx, "sched", models.Attempt{Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		page, err := store.QueryRuns(ctx, storage.QueryRunsParams{ScheduleID: "sched"})
		require.NoError(t, err)
		require.Equal(t, 1, page.Total, "concurrent records must share the open run")
		assert.Len(t, page.Runs[0].Attempts, writers*2)
	})
}
