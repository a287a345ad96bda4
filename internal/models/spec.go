package models

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"pingrobot/internal/urlutil"
)

// ErrValidation matches every ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// TargetSpec is the user input for a new Target.
type TargetSpec struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	BodyTemplate *string           `json:"body_template"`
}

// NewTarget validates spec and builds a Target with the given id.
func NewTarget(id string, spec TargetSpec, now time.Time) (Target, error) {
	if _, err := urlutil.Validate(spec.URL); err != nil {
		return Target{}, invalid("url", "%v", err)
	}

	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := allowedMethods[method]; !ok {
		return Target{}, invalid("method", "%q is not one of GET, POST, PUT, PATCH, DELETE", spec.Method)
	}

	var headers map[string]string
	if len(spec.Headers) > 0 {
		headers = make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			if strings.TrimSpace(k) == "" {
				return Target{}, invalid("headers", "header name must not be empty")
			}
			headers[k] = v
		}
	}

	var body *string
	if spec.BodyTemplate != nil {
		b := *spec.BodyTemplate
		body = &b
	}

	return Target{
		ID:           id,
		URL:          spec.URL,
		Method:       method,
		Headers:      headers,
		BodyTemplate: body,
		CreatedAt:    now.UTC(),
	}, nil
}

// MaxScheduleSeconds bounds interval_seconds and duration_seconds. It fits a
// 32-bit integer column and converts to time.Duration without overflow.
const MaxScheduleSeconds = math.MaxInt32

// ScheduleSpec is the user input for a new Schedule.
type ScheduleSpec struct {
	TargetID        string `json:"target_id"`
	IntervalSeconds int    `json:"interval_seconds"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Validate checks the fields that do not need a store lookup.
func (s ScheduleSpec) Validate() error {
	if strings.TrimSpace(s.TargetID) == "" {
		return invalid("target_id", "is required")
	}
	if s.IntervalSeconds <= 0 || s.IntervalSeconds > MaxScheduleSeconds {
		return invalid("interval_seconds", "must be between 1 and %d, got %d", MaxScheduleSeconds, s.IntervalSeconds)
	}
	if s.DurationSeconds <= 0 || s.DurationSeconds > MaxScheduleSeconds {
		return invalid("duration_seconds", "must be between 1 and %d, got %d", MaxScheduleSeconds, s.DurationSeconds)
	}
	return nil
}

// NewSchedule builds an active Schedule created at now. EndsAt is fixed here and never recomputed.
func NewSchedule(id string, spec ScheduleSpec, now time.Time) (Schedule, error) {
	if err := spec.Validate(); err != nil {
		return Schedule{}, err
	}
	createdAt := now.UTC()
	return Schedule{
		ID:              id,
		TargetID:        spec.TargetID,
		IntervalSeconds: spec.IntervalSeconds,
		DurationSeconds: spec.DurationSeconds,
		Status:          ScheduleActive,
		CreatedAt:       createdAt,
		EndsAt:          createdAt.Add(time.Duration(spec.DurationSeconds) * time.Second),
	}, nil
}
