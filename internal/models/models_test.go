package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingrobot/internal/models"
)

func intPtr(v int) *int { return &v }

func TestNewSchedule(t *testing.T) {
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.FixedZone("CEST", 2*3600))

	t.Run("ends_at is created_at plus duration", func(t *testing.T) {
		for _, duration := range []int{1, 12, 3600, 86400 * 30} {
			sc, err := models.NewSchedule("s1", models.ScheduleSpec{TargetID: "t1", IntervalSeconds: 5, DurationSeconds: duration}, now)
			require.NoError(t, err)
			assert.Equal(t, models.ScheduleActive, sc.Status)
			assert.Equal(t, time.UTC, sc.CreatedAt.Location())
			assert.True(t, sc.EndsAt.Equal(sc.CreatedAt.Add(time.Duration(duration)*time.Second)))
		}
	})

	t.Run("largest values keep ends_at after created_at", func(t *testing.T) {
		sc, err := models.NewSchedule("s", models.ScheduleSpec{TargetID: "t", IntervalSeconds: models.MaxScheduleSeconds, DurationSeconds: models.MaxScheduleSeconds}, now)
		require.NoError(t, err)
		assert.True(t, sc.EndsAt.After(sc.CreatedAt))
		assert.Equal(t, time.Duration(models.MaxScheduleSeconds)*time.Second, sc.EndsAt.Sub(sc.CreatedAt))
		assert.Positive(t, sc.Interval())
		assert.False(t, sc.Expired(now))
	})

	t.Run("rejects out of range values", func(t *testing.T) {
		tests := []struct {
			name  string
			spec  models.ScheduleSpec
			field string
		}{
			{"zero interval", models.ScheduleSpec{TargetID: "t", IntervalSeconds: 0, DurationSeconds: 5}, "interval_seconds"},
			{"negative interval", models.ScheduleSpec{TargetID: "t", IntervalSeconds: -1, DurationSeconds: 5}, "interval_seconds"},
			{"zero duration", models.ScheduleSpec{TargetID: "t", IntervalSeconds: 1, DurationSeconds: 0}, "duration_seconds"},
			{"missing target", models.ScheduleSpec{IntervalSeconds: 1, DurationSeconds: 1}, "target_id"},
			{"interval overflows duration", models.ScheduleSpec{TargetID: "t", IntervalSeconds: 10_000_000_000, DurationSeconds: 5}, "interval_seconds"},
			{"duration overflows duration", models.ScheduleSpec{TargetID: "t", IntervalSeconds: 5, DurationSeconds: 10_000_000_000}, "duration_seconds"},
			{"interval above int32", models.ScheduleSpec{TargetID: "t", IntervalSeconds: models.MaxScheduleSeconds + 1, DurationSeconds: 5}, "interval_seconds"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := models.NewSchedule("s", tt.spec, now)
				require.ErrorIs(t, err, models.ErrValidation)
				var verr *models.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
			})
		}
	})
}

func TestScheduleWindow(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sc, err := models.NewSchedule("s", models.ScheduleSpec{TargetID: "t", IntervalSeconds: 1, DurationSeconds: 10}, created)
	require.NoError(t, err)

	assert.True(t, sc.Runnable(created))
	assert.True(t, sc.Runnable(sc.EndsAt.Add(-time.Nanosecond)))
	assert.False(t, sc.Runnable(sc.EndsAt))
	assert.True(t, sc.Expired(sc.EndsAt))

	sc.Status = models.SchedulePaused
	assert.False(t, sc.Runnable(created))
}

func TestNewTarget(t *testing.T) {
	now := time.Now()

	t.Run("defaults method to GET", func(t *testing.T) {
		tg, err := models.NewTarget("t", models.TargetSpec{URL: "http://example.com/x"}, now)
		require.NoError(t, err)
		assert.Equal(t, "GET", tg.Method)
		assert.Nil(t, tg.Headers)
	})

	t.Run("normalizes method case", func(t *testing.T) {
		tg, err := models.NewTarget("t", models.TargetSpec{URL: "http://example.com", Method: " patch "}, now)
		require.NoError(t, err)
		assert.Equal(t, "PATCH", tg.Method)
	})

	t.Run("copies headers and body", func(t *testing.T) {
		body := "hello"
		headers := map[string]string{"A": "1"}
		tg, err := models.NewTarget("t", models.TargetSpec{URL: "https://example.com", Headers: headers, BodyTemplate: &body}, now)
		require.NoError(t, err)
		headers["A"] = "2"
		body = "changed"
		assert.Equal(t, "1", tg.Headers["A"])
		assert.Equal(t, "hello", *tg.BodyTemplate)
	})

	for _, raw := range []string{"", "   ", "example.com", "ftp://example.com", "http://"} {
		t.Run("rejects url "+raw, func(t *testing.T) {
			_, err := models.NewTarget("t", models.TargetSpec{URL: raw}, now)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	t.Run("rejects unknown method", func(t *testing.T) {
		_, err := models.NewTarget("t", models.TargetSpec{URL: "https://example.com", Method: "HEAD"}, now)
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestAttemptSuccessful(t *testing.T) {
	tests := []struct {
		name    string
		attempt models.Attempt
		want    bool
	}{
		{"200", models.Attempt{StatusCode: intPtr(200)}, true},
		{"399", models.Attempt{StatusCode: intPtr(399)}, true},
		{"199", models.Attempt{StatusCode: intPtr(199)}, false},
		{"404", models.Attempt{StatusCode: intPtr(404), ErrorType: models.Error4xx}, false},
		{"503", models.Attempt{StatusCode: intPtr(503), ErrorType: models.Error5xx}, false},
		{"no status", models.Attempt{}, false},
		{"timeout", models.Attempt{ErrorType: models.ErrorTimeout}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attempt.Successful())
		})
	}
}

func TestErrorTypeJSON(t *testing.T) {
	b, err := json.Marshal(models.Attempt{Timestamp: time.Unix(0, 0).UTC()})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"error_type":null`)
	assert.Contains(t, string(b), `"status_code":null`)

	var a models.Attempt
	require.NoError(t, json.Unmarshal([]byte(`{"error_type":"DNS"}`), &a))
	assert.Equal(t, models.ErrorDNS, a.ErrorType)
	require.NoError(t, json.Unmarshal([]byte(`{"error_type":null}`), &a))
	assert.Equal(t, models.ErrorNone, a.ErrorType)
}
