package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
)

// PostgresStore implements the storage.Storer interface for PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates a new PostgresStore and establishes a connection to the database.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{db: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// migrate ensures the database schema is created.
func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		url           TEXT NOT NULL,
		method        TEXT NOT NULL,
		headers       JSONB,
		body_template TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS schedules (
		seq              BIGSERIAL,
		id               TEXT PRIMARY KEY,
		target_id        TEXT NOT NULL,
		interval_seconds INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		status           TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		ends_at          TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_status_ends_at ON schedules (status, ends_at);

	CREATE TABLE IF NOT EXISTS runs (
		seq         BIGSERIAL,
		id          TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		status      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_schedule_id_seq ON runs (schedule_id, seq);

	CREATE TABLE IF NOT EXISTS attempts (
		id            BIGSERIAL PRIMARY KEY,
		run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		timestamp     TIMESTAMPTZ NOT NULL,
		status_code   INTEGER,
		latency_ms    DOUBLE PRECISION NOT NULL,
		response_size BIGINT NOT NULL,
		error_type    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts (run_id, id);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Truncate removes every row. It exists for tests running against a shared database.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `TRUNCATE attempts, runs, schedules, targets RESTART IDENTITY`)
	return err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const targetColumns = `id, url, method, headers, body_template, created_at`

func scanTarget(row pgx.Row) (*models.Target, error) {
	var t models.Target
	if err := row.Scan(&t.ID, &t.URL, &t.Method, &t.Headers, &t.BodyTemplate, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func getTarget(ctx context.Context, q querier, id string) (*models.Target, error) {
	t, err := scanTarget(q.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target by id: %w", err)
	}
	return t, nil
}

// CreateTarget implements the Storer interface.
func (s *PostgresStore) CreateTarget(ctx context.Context, spec models.TargetSpec) (*models.Target, error) {
	target, err := models.NewTarget(storage.NewID(), spec, time.Now())
	if err != nil {
		return nil, err
	}
	query := `INSERT INTO targets (` + targetColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.Exec(ctx, query, target.ID, target.URL, target.Method, target.Headers, target.BodyTemplate, target.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	return &target, nil
}

// GetTarget implements the Storer interface.
func (s *PostgresStore) GetTarget(ctx context.Context, id string) (*models.Target, error) {
	return getTarget(ctx, s.db, id)
}

// ListTargets implements the Storer interface.
func (s *PostgresStore) ListTargets(ctx context.Context) ([]models.Target, error) {
	rows, err := s.db.Query(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	targets := []models.Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

const scheduleColumns = `id, target_id, interval_seconds, duration_seconds, status, created_at, ends_at`

func scanSchedule(row pgx.Row) (*models.Schedule, error) {
	var sc models.Schedule
	var status string
	if err := row.Scan(&sc.ID, &sc.TargetID, &sc.IntervalSeconds, &sc.DurationSeconds, &status, &sc.CreatedAt, &sc.EndsAt); err != nil {
		return nil, err
	}
	sc.Status = models.ScheduleStatus(status)
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.EndsAt = sc.EndsAt.UTC()
	return &sc, nil
}

func getSchedule(ctx context.Context, q querier, id string, forUpdate bool) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sc, err := scanSchedule(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule by id: %w", err)
	}
	return sc, nil
}

// CreateSchedule implements the Storer interface.
func (s *PostgresStore) CreateSchedule(ctx context.Context, spec models.ScheduleSpec, now time.Time) (*models.Schedule, error) {
	sc, err := models.NewSchedule(storage.NewID(), spec, now)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := getTarget(ctx, tx, sc.TargetID); err != nil {
			return err
		}
		query := `INSERT INTO schedules (` + scheduleColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := tx.Exec(ctx, query, sc.ID, sc.TargetID, sc.IntervalSeconds, sc.DurationSeconds, string(sc.Status), sc.CreatedAt, sc.EndsAt); err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// GetSchedule implements the Storer interface.
func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return getSchedule(ctx, s.db, id, false)
}

// ListSchedules implements the Storer interface.
func (s *PostgresStore) ListSchedules(ctx context.Context, params storage.ListSchedulesParams) ([]models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE ($1 = '' OR status = $1) ORDER BY seq`
	rows, err := s.db.Query(ctx, query, string(params.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	schedules := []models.Schedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

// PauseSchedule implements the Storer interface.
func (s *PostgresStore) PauseSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var sc *models.Schedule
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		sc, err = getSchedule(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if sc.Status == models.SchedulePaused {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE schedules SET status = $1 WHERE id = $2`, string(models.SchedulePaused), id); err != nil {
			return fmt.Errorf("failed to pause schedule: %w", err)
		}
		sc.Status = models.SchedulePaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// ExpireSchedules implements the Storer interface.
func (s *PostgresStore) ExpireSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	query := `
	UPDATE schedules SET status = $1
	WHERE status = $2 AND ends_at <= $3
	RETURNING ` + scheduleColumns
	rows, err := s.db.Query(ctx, query, string(models.SchedulePaused), string(models.ScheduleActive), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to expire schedules: %w", err)
	}
	defer rows.Close()

	var expired []models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired schedule: %w", err)
		}
		expired = append(expired, *sc)
	}
	return expired, rows.Err()
}

func findOpenRun(ctx context.Context, q querier, scheduleID string, forUpdate bool) (*models.Run, error) {
	query := `SELECT id, schedule_id, started_at, status FROM runs WHERE schedule_id = $1 AND status = $2 ORDER BY seq DESC LIMIT 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var r models.Run
	var status string
	err := q.QueryRow(ctx, query, scheduleID, string(models.RunRunning)).Scan(&r.ID, &r.ScheduleID, &r.StartedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open run: %w", err)
	}
	r.Status = models.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	return &r, nil
}

func createRun(ctx context.Context, tx pgx.Tx, scheduleID string, startedAt time.Time) (*models.Run, error) {
	r := models.Run{
		ID:         storage.NewID(),
		ScheduleID: scheduleID,
		StartedAt:  startedAt.UTC(),
		Status:     models.RunRunning,
		Attempts:   []models.Attempt{},
	}
	query := `INSERT INTO runs (id, schedule_id, started_at, status) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, query, r.ID, r.ScheduleID, r.StartedAt, string(r.Status)); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &r, nil
}

func appendAttempt(ctx context.Context, tx pgx.Tx, runID string, a models.Attempt) error {
	var errorType *string
	if a.ErrorType != models.ErrorNone {
		e := string(a.ErrorType)
		errorType = &e
	}
	query := `INSERT INTO attempts (run_id, timestamp, status_code, latency_ms, response_size, error_type) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, query, runID, a.Timestamp.UTC(), a.StatusCode, a.LatencyMS, a.ResponseSize, errorType); err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// FindOpenRun implements the Storer interface.
func (s *PostgresStore) FindOpenRun(ctx context.Context, scheduleID string) (*models.Run, error) {
	r, err := findOpenRun(ctx, s.db, scheduleID, false)
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

// CreateRun implements the Storer interface.
func (s *PostgresStore) CreateRun(ctx context.Context, scheduleID string, startedAt time.Time) (*models.Run, error) {
	var r *models.Run
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		r, err = createRun(ctx, tx, scheduleID, startedAt)
		return err
	})
	return r, err
}

// AppendAttempt implements the Storer interface.
func (s *PostgresStore) AppendAttempt(ctx context.Context, runID string, attempt models.Attempt) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up run: %w", err)
		}
		return appendAttempt(ctx, tx, runID, attempt)
	})
}

// RecordAttempt implements the Storer interface. A transaction-scoped advisory
// lock on the schedule id keeps two writers from each creating an open run.
func (s *PostgresStore) RecordAttempt(ctx context.Context, scheduleID string, attempt models.Attempt) (*models.Run, error) {
	var run *models.Run
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scheduleID); err != nil {
			return fmt.Errorf("failed to lock schedule runs: %w", err)
		}
		var err error
		run, err = findOpenRun(ctx, tx, scheduleID, true)
		if errors.Is(err, storage.ErrNotFound) {
			run, err = createRun(ctx, tx, scheduleID, attempt.Timestamp)
		}
		if err != nil {
			return err
		}
		return appendAttempt(ctx, tx, run.ID, attempt)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// LastAttemptAt implements the Storer interface.
func (s *PostgresStore) LastAttemptAt(ctx context.Context, scheduleID string) (time.Time, bool, error) {
	query := `SELECT MAX(a.timestamp) FROM attempts a JOIN runs r ON r.id = a.run_id WHERE r.schedule_id = $1`
	var last *time.Time
	if err := s.db.QueryRow(ctx, query, scheduleID).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last attempt: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return last.UTC(), true, nil
}

func loadAttempts(ctx context.Context, q querier, runIDs []string) (map[string][]models.Attempt, error) {
	out := make(map[string][]models.Attempt, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	for _, id := range runIDs {
		out[id] = []models.Attempt{}
	}
	query := `SELECT run_id, timestamp, status_code, latency_ms, response_size, error_type FROM attempts WHERE run_id = ANY($1) ORDER BY id`
	rows, err := q.Query(ctx, query, runIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var runID string
		var a models.Attempt
		var errorType *string
		if err := rows.Scan(&runID, &a.Timestamp, &a.StatusCode, &a.LatencyMS, &a.ResponseSize, &errorType); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		if errorType != nil {
			a.ErrorType = models.ErrorType(*errorType)
		}
		out[runID] = append(out[runID], a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) selectRuns(ctx context.Context, scheduleID string, limit *int, offset int) ([]models.Run, error) {
	args := []any{scheduleID, offset}
	qb := strings.Builder{}
	qb.WriteString(`SELECT id, schedule_id, started_at, status FROM runs WHERE ($1 = '' OR schedule_id = $1) ORDER BY seq OFFSET $2`)
	if limit != nil {
		args = append(args, *limit)
		qb.WriteString(" LIMIT $3")
	}

	rows, err := s.db.Query(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	runs := []models.Run{}
	for rows.Next() {
		var r models.Run
		var status string
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.StartedAt, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = models.RunStatus(status)
		r.StartedAt = r.StartedAt.UTC()
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

// QueryRuns implements the Storer interface.
func (s *PostgresStore) QueryRuns(ctx context.Context, params storage.QueryRunsParams) (*storage.RunPage, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE ($1 = '' OR schedule_id = $1)`, params.ScheduleID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	runs, err := s.selectRuns(ctx, params.ScheduleID, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	return &storage.RunPage{Total: total, Runs: runs}, nil
}

// Aggregate implements the Storer interface.
func (s *PostgresStore) Aggregate(ctx context.Context, scheduleID string) (*models.Metrics, error) {
	runs, err := s.selectRuns(ctx, scheduleID, nil, 0)
	if err != nil {
		return nil, err
	}
	return storage.Summarize(runs), nil
}
