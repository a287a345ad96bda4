package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// ScheduleStatus is the lifecycle state of a Schedule.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	// SchedulePaused is terminal.
	SchedulePaused ScheduleStatus = "paused"
)

// RunStatus is the state of a Run. Runs are never closed, so every stored run is running.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
)

// ErrorType classifies a failed attempt. The zero value means the attempt had no error.
type ErrorType string

const (
	ErrorNone       ErrorType = ""
	ErrorTimeout    ErrorType = "timeout"
	ErrorDNS        ErrorType = "dns"
	ErrorConnection ErrorType = "connection"
	Error4xx        ErrorType = "4xx"
	Error5xx        ErrorType = "5xx"
	ErrorUnknown    ErrorType = "unknown"
)

// MarshalJSON encodes ErrorNone as null.
func (e ErrorType) MarshalJSON() ([]byte, error) {
	if e == ErrorNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(e))
}

// UnmarshalJSON accepts null as ErrorNone.
func (e *ErrorType) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*e = ErrorNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*e = ErrorType(strings.ToLower(s))
	return nil
}

// Target is an HTTP request definition. It is immutable once created.
type Target struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	BodyTemplate *string           `json:"body_template"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Schedule binds a Target to an interval for a bounded window of time.
// Only Status ever changes after creation.
type Schedule struct {
	ID              string         `json:"id"`
	TargetID        string         `json:"target_id"`
	IntervalSeconds int            `json:"interval_seconds"`
	DurationSeconds int            `json:"duration_seconds"`
	Status          ScheduleStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	EndsAt          time.Time      `json:"ends_at"`
}

// Interval returns the schedule interval as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Expired reports whether the schedule window has closed at now.
func (s Schedule) Expired(now time.Time) bool {
	return !now.Before(s.EndsAt)
}

// Runnable reports whether the schedule is active and inside its window at now.
func (s Schedule) Runnable(now time.Time) bool {
	return s.Status == ScheduleActive && !s.Expired(now)
}

// Attempt is the outcome of a single HTTP call.
type Attempt struct {
	Timestamp    time.Time `json:"timestamp"`
	StatusCode   *int      `json:"status_code"` // nil on transport failure
	LatencyMS    float64   `json:"latency_ms"`
	ResponseSize int64     `json:"response_size"`
	ErrorType    ErrorType `json:"error_type"`
}

// Successful reports whether the attempt counts as a success for metrics.
func (a Attempt) Successful() bool {
	if a.ErrorType != ErrorNone || a.StatusCode == nil {
		return false
	}
	return *a.StatusCode >= 200 && *a.StatusCode < 400
}

// Run groups the attempts of one schedule.
type Run struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	StartedAt  time.Time `json:"started_at"`
	Status     RunStatus `json:"status"`
	Attempts   []Attempt `json:"attempts"`
}

// Metrics aggregates attempts across runs.
type Metrics struct {
	TotalAttempts          int               `json:"total_attempts"`
	SuccessfulAttempts     int               `json:"successful_attempts"`
	FailedAttempts         int               `json:"failed_attempts"`
	SuccessRate            float64           `json:"success_rate"`
	AverageLatencyMS       float64           `json:"average_latency_ms"`
	StatusCodeDistribution map[int]int       `json:"status_code_distribution"`
	ErrorTypeDistribution  map[ErrorType]int `json:"error_type_distribution"`
}

// RoundMS rounds a millisecond value to two decimals.
func RoundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
