package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hikkoshi-lab/estate-crawler/internal/progress"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

//go:embed schema.sql
var schemaSQL string

// PostgresConfig carries the connection settings for NewPostgresStore.
type PostgresConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// PostgresStore implements Store on PostgreSQL through a pgx pool.
// Progress maps and counter rollups are stored as JSONB; every
// read-modify-write runs inside a transaction holding SELECT ... FOR
// UPDATE on the task row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, pings and applies the schema. All failures
// on this path wrap task.ErrDatabaseInit so callers can categorise them.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w: %w", task.ErrDatabaseInit, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w: %w", task.ErrDatabaseInit, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w: %w", task.ErrDatabaseInit, err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w: %w", task.ErrDatabaseInit, err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "postgres_store"),
	}, nil
}

const taskColumns = `task_id, kind, scrapers, areas, options, status,
	is_paused, is_cancelled, pause_requested_at, cancel_requested_at,
	started_at, completed_at, last_progress_at, created_at,
	progress_detail, totals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	err := row.Scan(
		&t.ID, &t.Kind, &t.Scrapers, &t.Areas, &t.Options, &t.Status,
		&t.IsPaused, &t.IsCancelled, &t.PauseRequestedAt, &t.CancelRequestedAt,
		&t.StartedAt, &t.CompletedAt, &t.LastProgressAt, &t.CreatedAt,
		&t.Progress, &t.Totals,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if t.Progress == nil {
		t.Progress = make(map[string]*task.ProgressRecord)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *PostgresStore) CreateTask(ctx context.Context, draft *task.Task) (*task.Task, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	t := draft.Clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	seedProgress(t)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, kind, scrapers, areas, options, status,
			is_paused, is_cancelled, created_at, progress_detail, totals)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Kind, t.Scrapers, t.Areas, t.Options, t.Status,
		t.IsPaused, t.IsCancelled, t.CreatedAt, t.Progress, t.Totals,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("task %s already exists: %w", t.ID, task.ErrConflict)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) LoadTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, task.ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

// withTaskTx loads the row under FOR UPDATE, runs fn on it and writes the
// mutable columns back in the same transaction. fn returning errSkipWrite
// rolls back silently.
func (s *PostgresStore) withTaskTx(ctx context.Context, taskID string, fn func(*task.Task) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("task %s: %w", taskID, task.ErrNotFound)
		}
		return err
	}
	if err := fn(t); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET
			status = $2, is_paused = $3, is_cancelled = $4,
			pause_requested_at = $5, cancel_requested_at = $6,
			started_at = $7, completed_at = $8, last_progress_at = $9,
			progress_detail = $10, totals = $11
		WHERE task_id = $1`,
		t.ID, t.Status, t.IsPaused, t.IsCancelled,
		t.PauseRequestedAt, t.CancelRequestedAt,
		t.StartedAt, t.CompletedAt, t.LastProgressAt,
		t.Progress, t.Totals,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return tx.Commit(ctx)
}

// errSkipWrite aborts withTaskTx without surfacing an error. Used when a
// merge was dropped by the finalisation barrier and nothing changed.
var errSkipWrite = errors.New("store: skip write")

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, opts ...UpdateOption) error {
	return s.withTaskTx(ctx, taskID, func(t *task.Task) error {
		if t.Status.IsTerminal() && status != t.Status {
			return fmt.Errorf("task %s is already %s: %w", taskID, t.Status, task.ErrInvalidState)
		}
		applyStatus(t, status)
		for _, opt := range opts {
			opt(t)
		}
		return nil
	})
}

func (s *PostgresStore) SetControlFlag(ctx context.Context, taskID string, flag ControlFlag, value bool, at time.Time) error {
	return s.withTaskTx(ctx, taskID, func(t *task.Task) error {
		switch flag {
		case FlagPaused:
			t.IsPaused = value
			if value {
				t.PauseRequestedAt = &at
			} else {
				t.PauseRequestedAt = nil
			}
		case FlagCancelled:
			t.IsCancelled = value
			if value {
				t.CancelRequestedAt = &at
			}
		default:
			return fmt.Errorf("unknown control flag %q: %w", flag, task.ErrInvalidArgument)
		}
		return nil
	})
}

func (s *PostgresStore) GetControlFlags(ctx context.Context, taskID string) (Flags, error) {
	var f Flags
	err := s.pool.QueryRow(ctx,
		`SELECT is_paused, is_cancelled, pause_requested_at FROM tasks WHERE task_id = $1`,
		taskID,
	).Scan(&f.IsPaused, &f.IsCancelled, &f.PauseRequestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Flags{}, fmt.Errorf("task %s: %w", taskID, task.ErrNotFound)
	}
	if err != nil {
		return Flags{}, fmt.Errorf("read control flags: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) MergeProgress(ctx context.Context, taskID, pairKey string, patch task.ProgressPatch) (*task.ProgressRecord, error) {
	var out *task.ProgressRecord
	err := s.withTaskTx(ctx, taskID, func(t *task.Task) error {
		existing, ok := t.Progress[pairKey]
		if !ok {
			return fmt.Errorf("task %s has no progress key %q: %w", taskID, pairKey, task.ErrInvalidArgument)
		}
		merged, applied := progress.Apply(existing, patch)
		out = merged.Clone()
		if !applied {
			return errSkipWrite
		}
		t.Progress[pairKey] = merged
		now := time.Now()
		t.LastProgressAt = &now
		t.RecomputeTotals(now)
		return nil
	})
	if err != nil && !errors.Is(err, errSkipWrite) {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) WithTaskRowLock(ctx context.Context, taskID string, fn func(*task.Task) error) error {
	return s.withTaskTx(ctx, taskID, fn)
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry *task.LogEntry) error {
	if entry == nil || entry.TaskID == "" {
		return fmt.Errorf("log entry requires a task id: %w", task.ErrInvalidArgument)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_logs (task_id, kind, ts, message, details)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.TaskID, entry.Kind, ts, entry.Message, entry.Details,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("task %s: %w", entry.TaskID, task.ErrNotFound)
		}
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadLogsSince(ctx context.Context, taskID string, since time.Time) ([]*task.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, kind, ts, message, details
		FROM task_logs
		WHERE task_id = $1 AND ts > $2
		ORDER BY ts, id`,
		taskID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	defer rows.Close()

	var out []*task.LogEntry
	for rows.Next() {
		var e task.LogEntry
		if err := rows.Scan(&e.TaskID, &e.Kind, &e.Timestamp, &e.Message, &e.Details); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	statuses := filter.Statuses
	if filter.ActiveOnly && len(statuses) == 0 {
		statuses = []task.Status{task.StatusPending, task.StatusRunning, task.StatusPaused}
	}
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		args = append(args, vals)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.CreatedAfter != nil {
		args = append(args, *filter.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, task_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var terminalStatuses = []string{
	string(task.StatusCompleted),
	string(task.StatusFailed),
	string(task.StatusCancelled),
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE task_id = $1 AND status = ANY($2)`,
		taskID, terminalStatuses,
	)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish not-found from still-active.
		if _, err := s.LoadTask(ctx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("task %s is not terminal: %w", taskID, task.ErrInvalidState)
	}
	return nil
}

const scheduleColumns = `id, name, description, scrapers, areas, max_properties,
	is_active, schedule_type, interval_minutes, daily_hour, daily_minute,
	last_run_at, next_run_at, last_task_id, created_at, updated_at, created_by`

func scanSchedule(row rowScanner) (*task.Schedule, error) {
	var sc task.Schedule
	err := row.Scan(
		&sc.ID, &sc.Name, &sc.Description, &sc.Scrapers, &sc.Areas, &sc.MaxProperties,
		&sc.IsActive, &sc.Type, &sc.IntervalMinutes, &sc.DailyHour, &sc.DailyMinute,
		&sc.LastRunAt, &sc.NextRunAt, &sc.LastTaskID, &sc.CreatedAt, &sc.UpdatedAt, &sc.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sc *task.Schedule) (*task.Schedule, error) {
	if err := validateSchedule(sc); err != nil {
		return nil, err
	}
	c := sc.Clone()
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, name, description, scrapers, areas, max_properties,
			is_active, schedule_type, interval_minutes, daily_hour, daily_minute,
			last_run_at, next_run_at, last_task_id, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.Name, c.Description, c.Scrapers, c.Areas, c.MaxProperties,
		c.IsActive, c.Type, c.IntervalMinutes, c.DailyHour, c.DailyMinute,
		c.LastRunAt, c.NextRunAt, c.LastTaskID, c.CreatedAt, c.UpdatedAt, c.CreatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("schedule %s already exists: %w", c.ID, task.ErrConflict)
		}
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*task.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("schedule %s: %w", id, task.ErrNotFound)
		}
		return nil, err
	}
	return sc, nil
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sc *task.Schedule) error {
	if err := validateSchedule(sc); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			name = $2, description = $3, scrapers = $4, areas = $5,
			max_properties = $6, is_active = $7, schedule_type = $8,
			interval_minutes = $9, daily_hour = $10, daily_minute = $11,
			last_run_at = $12, next_run_at = $13, last_task_id = $14,
			updated_at = NOW()
		WHERE id = $1`,
		sc.ID, sc.Name, sc.Description, sc.Scrapers, sc.Areas,
		sc.MaxProperties, sc.IsActive, sc.Type,
		sc.IntervalMinutes, sc.DailyHour, sc.DailyMinute,
		sc.LastRunAt, sc.NextRunAt, sc.LastTaskID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, task.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, task.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, activeOnly bool) ([]*task.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*task.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*task.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE is_active AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*task.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenHistory(ctx context.Context, h *task.ScheduleHistory) error {
	if h == nil || h.ID == "" || h.ScheduleID == "" {
		return fmt.Errorf("history requires id and schedule id: %w", task.ErrInvalidArgument)
	}
	status := h.Status
	if status == "" {
		status = task.HistoryRunning
	}
	started := h.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_histories (id, schedule_id, task_id, started_at, completed_at, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID, h.ScheduleID, h.TaskID, started, h.CompletedAt, status, h.ErrorMessage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("history %s already exists: %w", h.ID, task.ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("schedule %s: %w", h.ScheduleID, task.ErrNotFound)
		}
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetHistoryTask(ctx context.Context, historyID, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedule_histories SET task_id = $2 WHERE id = $1`,
		historyID, taskID,
	)
	if err != nil {
		return fmt.Errorf("set history task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history %s: %w", historyID, task.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CloseHistory(ctx context.Context, historyID string, status task.HistoryStatus, completedAt time.Time, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_histories
		SET status = $2, completed_at = $3, error_message = $4
		WHERE id = $1 AND status = $5`,
		historyID, status, completedAt, errorMessage, task.HistoryRunning,
	)
	if err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already closed by someone else, or never existed.
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schedule_histories WHERE id = $1)`, historyID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check history: %w", err)
		}
		if !exists {
			return fmt.Errorf("history %s: %w", historyID, task.ErrNotFound)
		}
	}
	return nil
}

const historyColumns = `id, schedule_id, task_id, started_at, completed_at, status, error_message`

func scanHistory(row rowScanner) (*task.ScheduleHistory, error) {
	var h task.ScheduleHistory
	err := row.Scan(&h.ID, &h.ScheduleID, &h.TaskID, &h.StartedAt, &h.CompletedAt, &h.Status, &h.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) ListHistories(ctx context.Context, scheduleID string, limit int) ([]*task.ScheduleHistory, error) {
	var (
		where []string
		args  []any
	)
	if scheduleID != "" {
		args = append(args, scheduleID)
		where = append(where, fmt.Sprintf("schedule_id = $%d", len(args)))
	}
	query := `SELECT ` + historyColumns + ` FROM schedule_histories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}
	defer rows.Close()

	var out []*task.ScheduleHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRunningHistories(ctx context.Context) ([]*task.ScheduleHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM schedule_histories WHERE status = $1 ORDER BY started_at`,
		task.HistoryRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list running histories: %w", err)
	}
	defer rows.Close()

	var out []*task.ScheduleHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
