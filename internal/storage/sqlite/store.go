package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
)

// timeLayout is fixed-width UTC so that stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the storage.Storer interface for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLiteStore and establishes a connection to the database file.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// One connection serializes every writer; it also keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrate ensures the database schema is created.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS targets (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	method        TEXT NOT NULL,
	headers       TEXT,
	body_template TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id               TEXT PRIMARY KEY,
	target_id        TEXT NOT NULL,
	interval_seconds INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL,
	status           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	ends_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_status_ends_at ON schedules (status, ends_at);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	schedule_id TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	status      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_schedule_id ON runs (schedule_id);

CREATE TABLE IF NOT EXISTS attempts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	status_code   INTEGER,
	latency_ms    REAL NOT NULL,
	response_size INTEGER NOT NULL,
	error_type    TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts (run_id);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", v, err)
	}
	return t, nil
}

// CreateTarget validates and saves a new target.
func (s *SQLiteStore) CreateTarget(ctx context.Context, spec models.TargetSpec) (*models.Target, error) {
	target, err := models.NewTarget(storage.NewID(), spec, time.Now())
	if err != nil {
		return nil, err
	}

	var headers sql.NullString
	if target.Headers != nil {
		b, err := json.Marshal(target.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to encode headers: %w", err)
		}
		headers = sql.NullString{String: string(b), Valid: true}
	}

	query := `INSERT INTO targets (id, url, method, headers, body_template, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, target.ID, target.URL, target.Method, headers, target.BodyTemplate, formatTime(target.CreatedAt)); err != nil {
		return nil, fmt.Errorf("failed to insert target: %w", err)
	}
	return &target, nil
}

func scanTarget(scan func(dest ...any) error) (*models.Target, error) {
	var t models.Target
	var headers, body sql.NullString
	var createdAt string
	if err := scan(&t.ID, &t.URL, &t.Method, &headers, &body, &createdAt); err != nil {
		return nil, err
	}
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &t.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers of target %s: %w", t.ID, err)
		}
	}
	if body.Valid {
		b := body.String
		t.BodyTemplate = &b
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = created
	return &t, nil
}

func getTarget(ctx context.Context, q querier, id string) (*models.Target, error) {
	query := `SELECT id, url, method, headers, body_template, created_at FROM targets WHERE id = ?`
	t, err := scanTarget(q.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target by id: %w", err)
	}
	return t, nil
}

// GetTarget retrieves a single target by its unique ID.
func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (*models.Target, error) {
	return getTarget(ctx, s.db, id)
}

// ListTargets retrieves every target in insertion order.
func (s *SQLiteStore) ListTargets(ctx context.Context) ([]models.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url, method, headers, body_template, created_at FROM targets ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()
	targets := []models.Target{}
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target row: %w", err)
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

const scheduleColumns = `id, target_id, interval_seconds, duration_seconds, status, created_at, ends_at`

func scanSchedule(scan func(dest ...any) error) (*models.Schedule, error) {
	var sc models.Schedule
	var createdAt, endsAt string
	if err := scan(&sc.ID, &sc.TargetID, &sc.IntervalSeconds, &sc.DurationSeconds, &sc.Status, &createdAt, &endsAt); err != nil {
		return nil, err
	}
	var err error
	if sc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sc.EndsAt, err = parseTime(endsAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

func getSchedule(ctx context.Context, q querier, id string) (*models.Schedule, error) {
	sc, err := scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule by id: %w", err)
	}
	return sc, nil
}

// CreateSchedule saves a new active schedule for an existing target.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, spec models.ScheduleSpec, now time.Time) (*models.Schedule, error) {
	sc, err := models.NewSchedule(storage.NewID(), spec, now)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := getTarget(ctx, tx, sc.TargetID); err != nil {
		return nil, err
	}

	query := `INSERT INTO schedules (` + scheduleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, sc.ID, sc.TargetID, sc.IntervalSeconds, sc.DurationSeconds, sc.Status, formatTime(sc.CreatedAt), formatTime(sc.EndsAt)); err != nil {
		return nil, fmt.Errorf("failed to insert schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &sc, nil
}

// GetSchedule retrieves a single schedule by its unique ID.
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return getSchedule(ctx, s.db, id)
}

// ListSchedules retrieves schedules in insertion order, optionally filtered by status.
func (s *SQLiteStore) ListSchedules(ctx context.Context, params storage.ListSchedulesParams) ([]models.Schedule, error) {
	var args []any
	qb := strings.Builder{}
	qb.WriteString("SELECT " + scheduleColumns + " FROM schedules WHERE 1=1")
	if params.Status != "" {
		args = append(args, params.Status)
		qb.WriteString(" AND status = ?")
	}
	qb.WriteString(" ORDER BY rowid")

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	schedules := []models.Schedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

// PauseSchedule sets the schedule to paused. Pausing a paused schedule is a no-op.
func (s *SQLiteStore) PauseSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	sc, err := getSchedule(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sc.Status != models.SchedulePaused {
		if _, err := tx.ExecContext(ctx, `UPDATE schedules SET status = ? WHERE id = ?`, models.SchedulePaused, id); err != nil {
			return nil, fmt.Errorf("failed to pause schedule: %w", err)
		}
		sc.Status = models.SchedulePaused
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sc, nil
}

// ExpireSchedules pauses active schedules whose ends_at is not after now.
func (s *SQLiteStore) ExpireSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE status = ? AND ends_at <= ? ORDER BY rowid`, models.ScheduleActive, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to find expired schedules: %w", err)
	}
	var expired []models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		sc.Status = models.SchedulePaused
		expired = append(expired, *sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	for _, sc := range expired {
		if _, err := tx.ExecContext(ctx, `UPDATE schedules SET status = ? WHERE id = ?`, models.SchedulePaused, sc.ID); err != nil {
			return nil, fmt.Errorf("failed to pause expired schedule %s: %w", sc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return expired, nil
}

func findOpenRun(ctx context.Context, q querier, scheduleID string) (*models.Run, error) {
	query := `SELECT id, schedule_id, started_at, status FROM runs WHERE schedule_id = ? AND status = ? ORDER BY rowid DESC LIMIT 1`
	var r models.Run
	var startedAt string
	err := q.QueryRowContext(ctx, query, scheduleID, models.RunRunning).Scan(&r.ID, &r.ScheduleID, &startedAt, &r.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open run: %w", err)
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func createRun(ctx context.Context, q querier, scheduleID string, startedAt time.Time) (*models.Run, error) {
	r := models.Run{
		ID:         storage.NewID(),
		ScheduleID: scheduleID,
		StartedAt:  startedAt.UTC(),
		Status:     models.RunRunning,
		Attempts:   []models.Attempt{},
	}
	query := `INSERT INTO runs (id, schedule_id, started_at, status) VALUES (?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, query, r.ID, r.ScheduleID, formatTime(r.StartedAt), r.Status); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &r, nil
}

func appendAttempt(ctx context.Context, q querier, runID string, a models.Attempt) error {
	var errorType sql.NullString
	if a.ErrorType != models.ErrorNone {
		errorType = sql.NullString{String: string(a.ErrorType), Valid: true}
	}
	query := `INSERT INTO attempts (run_id, timestamp, status_code, latency_ms, response_size, error_type) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, query, runID, formatTime(a.Timestamp), a.StatusCode, a.LatencyMS, a.ResponseSize, errorType); err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// FindOpenRun returns the most recent running run of the schedule.
func (s *SQLiteStore) FindOpenRun(ctx context.Context, scheduleID string) (*models.Run, error) {
	r, err := findOpenRun(ctx, s.db, scheduleID)
	if err != nil {
		return nil, err
	}
	attempts, err := loadAttempts(ctx, s.db, []string{r.ID})
	if err != nil {
		return nil, err
	}
	r.Attempts = attempts[r.ID]
	return r, nil
}

// CreateRun starts a new empty run for the schedule.
func (s *SQLiteStore) CreateRun(ctx context.Context, scheduleID string, startedAt time.Time) (*models.Run, error) {
	return createRun(ctx, s.db, scheduleID, startedAt)
}

// AppendAttempt adds an attempt to the end of a run.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, runID string, attempt models.Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up run: %w", err)
	}
	if err := appendAttempt(ctx, tx, runID, attempt); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordAttempt appends to the open run of the schedule, creating one if needed.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, scheduleID string, attempt models.Attempt) (*models.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	run, err := findOpenRun(ctx, tx, scheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		run, err = createRun(ctx, tx, scheduleID, attempt.Timestamp)
	}
	if err != nil {
		return nil, err
	}
	if err := appendAttempt(ctx, tx, run.ID, attempt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, nil
}

// LastAttemptAt returns the latest attempt timestamp across the schedule's runs.
func (s *SQLiteStore) LastAttemptAt(ctx context.Context, scheduleID string) (time.Time, bool, error) {
	query := `SELECT MAX(a.timestamp) FROM attempts a JOIN runs r ON r.id = a.run_id WHERE r.schedule_id = ?`
	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, query, scheduleID).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last attempt: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(last.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func loadAttempts(ctx context.Context, q querier, runIDs []string) (map[string][]models.Attempt, error) {
	out := make(map[string][]models.Attempt, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
		out[id] = []models.Attempt{}
	}
	query := `SELECT run_id, timestamp, status_code, latency_ms, response_size, error_type FROM attempts WHERE run_id IN (?` +
		strings.Repeat(", ?", len(runIDs)-1) + `) ORDER BY id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var runID, ts string
		var a models.Attempt
		var code sql.NullInt64
		var errorType sql.NullString
		if err := rows.Scan(&runID, &ts, &code, &a.LatencyMS, &a.ResponseSize, &errorType); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			a.StatusCode = &c
		}
		a.ErrorType = models.ErrorType(errorType.String)
		out[runID] = append(out[runID], a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) selectRuns(ctx context.Context, scheduleID string, limit, offset int) ([]models.Run, error) {
	var args []any
	qb := strings.Builder{}
	qb.WriteString("SELECT id, schedule_id, started_at, status FROM runs WHERE 1=1")
	if scheduleID != "" {
		args = append(args, scheduleID)
		qb.WriteString(" AND schedule_id = ?")
	}
	// LIMIT -1 is unbounded in SQLite.
	qb.WriteString(" ORDER BY rowid LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	runs := []models.Run{}
	for rows.Next() {
		var r models.Run
		var startedAt string
		if err := rows.Scan(&r.ID, &r.ScheduleID, &startedAt, &r.Status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	attempts, err := loadAttempts(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		runs[i].Attempts = attempts[runs[i].ID]
	}
	return runs, nil
}

// QueryRuns returns a page of runs in insertion order.
func (s *SQLiteStore) QueryRuns(ctx context.Context, params storage.QueryRunsParams) (*storage.RunPage, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM runs WHERE (? = '' OR schedule_id = ?)`
	if err := s.db.QueryRowContext(ctx, countQuery, params.ScheduleID, params.ScheduleID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	limit := -1
	if params.Limit != nil {
		limit = *params.Limit
	}
	runs, err := s.selectRuns(ctx, params.ScheduleID, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	return &storage.RunPage{Total: total, Runs: runs}, nil
}

// Aggregate summarizes every attempt, optionally restricted to one schedule.
func (s *SQLiteStore) Aggregate(ctx context.Context, scheduleID string) (*models.Metrics, error) {
	runs, err := s.selectRuns(ctx, scheduleID, -1, 0)
	if err != nil {
		return nil, err
	}
	return storage.Summarize(runs), nil
}
