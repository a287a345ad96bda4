package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
)

func intPtr(v int) *int { return &v }

func TestSummarize(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		m := storage.Summarize(nil)
		assert.Equal(t, 0, m.TotalAttempts)
		assert.Equal(t, 0.0, m.SuccessRate)
		assert.Equal(t, 0.0, m.AverageLatencyMS)
		assert.NotNil(t, m.StatusCodeDistribution)
		assert.NotNil(t, m.ErrorTypeDistribution)
	})

	t.Run("mixed outcomes", func(t *testing.T) {
		attempts := []models.Attempt{
			{StatusCode: intPtr(200), LatencyMS: 10},
			{StatusCode: intPtr(204), LatencyMS: 20},
			{StatusCode: intPtr(301), LatencyMS: 30},
			{StatusCode: intPtr(404), LatencyMS: 40, ErrorType: models.Error4xx},
			{StatusCode: intPtr(503), LatencyMS: 50, ErrorType: models.Error5xx},
			{LatencyMS: 10000, ErrorType: models.ErrorTimeout},
			{LatencyMS: 3, ErrorType: models.ErrorConnection},
		}
		runs := []models.Run{
			{ID: "r1", Attempts: attempts[:4]},
			{ID: "r2", Attempts: attempts[4:]},
		}

		m := storage.Summarize(runs)
		n := len(attempts)
		require.Equal(t, n, m.TotalAttempts)
		assert.Equal(t, 3, m.SuccessfulAttempts)
		assert.Equal(t, 4, m.FailedAttempts)
		assert.InDelta(t, 3.0/7.0*100, m.SuccessRate, 0.005)
		assert.Equal(t, models.RoundMS(10153.0/7.0), m.AverageLatencyMS)

		withCode := 0
		for _, c := range m.StatusCodeDistribution {
			withCode += c
		}
		withError := 0
		for _, c := range m.ErrorTypeDistribution {
			withError += c
		}
		assert.Equal(t, n, withCode+2, "attempts without a status code are the two transport failures")
		assert.Equal(t, n, withError+m.SuccessfulAttempts)
		assert.Equal(t, 1, m.StatusCodeDistribution[503])
		assert.Equal(t, 1, m.ErrorTypeDistribution[models.ErrorTimeout])
	})
}

func TestPaginate(t *testing.T) {
	runs := make([]models.Run, 7)
	for i := range runs {
		runs[i] = models.Run{ID: string(rune('a' + i))}
	}

	tests := []struct {
		name   string
		limit  *int
		offset int
		want   int
	}{
		{name: "no limit", limit: nil, offset: 0, want: 7},
		{name: "limit inside", limit: intPtr(3), offset: 0, want: 3},
		{name: "offset and limit", limit: intPtr(3), offset: 5, want: 2},
		{name: "offset past end", limit: intPtr(3), offset: 9, want: 0},
		{name: "zero limit", limit: intPtr(0), offset: 1, want: 0},
		{name: "offset only", limit: nil, offset: 4, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := storage.Paginate(runs, storage.QueryRunsParams{Limit: tt.limit, Offset: tt.offset})
			assert.Len(t, got, tt.want)
			if tt.want > 0 {
				assert.Equal(t, runs[tt.offset].ID, got[0].ID)
			}
		})
	}
}

func TestQueryRunsParamsValidate(t *testing.T) {
	assert.NoError(t, storage.QueryRunsParams{}.Validate())
	assert.ErrorIs(t, storage.QueryRunsParams{Offset: -1}.Validate(), models.ErrValidation)
	assert.ErrorIs(t, storage.QueryRunsParams{Limit: intPtr(-2)}.Validate(), models.ErrValidation)
}

type fakeSchedules struct {
	schedules []models.Schedule
	expireErr error
	calls     []string
}

func (f *fakeSchedules) CreateSchedule(context.Context, models.ScheduleSpec, time.Time) (*models.Schedule, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSchedules) GetSchedule(context.Context, string) (*models.Schedule, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeSchedules) ListSchedules(_ context.Context, params storage.ListSchedulesParams) ([]models.Schedule, error) {
	f.calls = append(f.calls, "list")
	var out []models.Schedule
	for _, s := range f.schedules {
		if params.Status == "" || s.Status == params.Status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSchedules) PauseSchedule(context.Context, string) (*models.Schedule, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeSchedules) ExpireSchedules(_ context.Context, now time.Time) ([]models.Schedule, error) {
	f.calls = append(f.calls, "expire")
	if f.expireErr != nil {
		return nil, f.expireErr
	}
	var expired []models.Schedule
	for i := range f.schedules {
		if f.schedules[i].Status == models.ScheduleActive && f.schedules[i].Expired(now) {
			f.schedules[i].Status = models.SchedulePaused
			expired = append(expired, f.schedules[i])
		}
	}
	return expired, nil
}

func TestListActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("expires before listing", func(t *testing.T) {
		f := &fakeSchedules{schedules: []models.Schedule{
			{ID: "live", Status: models.ScheduleActive, EndsAt: now.Add(time.Second)},
			{ID: "ended", Status: models.ScheduleActive, EndsAt: now},
			{ID: "paused", Status: models.SchedulePaused, EndsAt: now.Add(time.Hour)},
		}}

		active, expired, err := storage.ListActive(context.Background(), f, now)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "live", active[0].ID)
		require.Len(t, expired, 1)
		assert.Equal(t, "ended", expired[0].ID)
		assert.Equal(t, []string{"expire", "list"}, f.calls)
		assert.Equal(t, models.SchedulePaused, f.schedules[1].Status)
	})

	t.Run("expire failure aborts", func(t *testing.T) {
		f := &fakeSchedules{expireErr: errors.New("disk full")}
		_, _, err := storage.ListActive(context.Background(), f, now)
		require.Error(t, err)
		assert.Equal(t, []string{"expire"}, f.calls)
	})
}
