package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/vedfolnir/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Job CRUD ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	settingsJSON, resultJSON, errorJSON, err := marshalJobFields(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner, priority, state, settings, result, error, attempts, submitted_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Owner, string(job.Priority), string(job.State),
		settingsJSON, resultJSON, errorJSON, job.Attempts,
		job.SubmittedAt.Format(time.RFC3339Nano),
		formatTimePtr(job.StartedAt), formatTimePtr(job.EndedAt),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT id, owner, priority, state, settings, result, error, attempts, submitted_at, started_at, ended_at
		 FROM jobs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts = opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, string(opts.State))
	}
	if opts.Owner != "" {
		whereClauses = append(whereClauses, "owner = ?")
		countArgs = append(countArgs, opts.Owner)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	// Count query.
	var total int
	countQuery := `SELECT COUNT(*) FROM jobs` + whereSQL
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	// List query with pagination, newest first.
	listQuery := `SELECT id, owner, priority, state, settings, result, error, attempts, submitted_at, started_at, ended_at
		FROM jobs` + whereSQL + ` ORDER BY submitted_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID, "state", job.State)

	settingsJSON, resultJSON, errorJSON, err := marshalJobFields(job)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, settings=?, result=?, error=?, attempts=?, started_at=?, ended_at=? WHERE id=?`,
		string(job.State), settingsJSON, resultJSON, errorJSON, job.Attempts,
		formatTimePtr(job.StartedAt), formatTimePtr(job.EndedAt), job.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "jobs", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// SweepInterrupted marks every queued or running job failed with an
// internal error. Runs at startup before the scheduler dispatches
// anything, so nothing races the update.
func (s *SQLiteStore) SweepInterrupted(ctx context.Context) (int, error) {
	s.logger.Debug("sql", "op", "sweep_interrupted", "table", "jobs")

	errJSON, err := json.Marshal(&model.JobError{
		Kind:    model.ErrorKindInternal,
		Message: "interrupted by shutdown",
	})
	if err != nil {
		return 0, fmt.Errorf("marshal error: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, error=?, ended_at=? WHERE state IN (?, ?)`,
		string(model.JobStateFailed), string(errJSON), now,
		string(model.JobStateQueued), string(model.JobStateRunning),
	)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// --- Settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.logger.Debug("sql", "op", "select", "table", "settings", "key", key)

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	s.logger.Debug("sql", "op", "upsert", "table", "settings", "key", key)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var priority, state, settingsJSON, resultJSON, submittedAt string
	var errorJSON, startedAt, endedAt *string

	err := row.Scan(
		&job.ID, &job.Owner, &priority, &state,
		&settingsJSON, &resultJSON, &errorJSON, &job.Attempts,
		&submittedAt, &startedAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Priority = model.Priority(priority)
	job.State = model.JobState(state)
	if err := json.Unmarshal([]byte(settingsJSON), &job.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal([]byte(resultJSON), &job.Result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if errorJSON != nil {
		job.Error = &model.JobError{}
		if err := json.Unmarshal([]byte(*errorJSON), job.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	job.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.EndedAt = parseTimePtr(endedAt)

	return &job, nil
}

func marshalJobFields(job *model.Job) (settings, result string, errJSON *string, err error) {
	settingsBytes, err := json.Marshal(job.Settings)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal settings: %w", err)
	}
	resultBytes, err := json.Marshal(job.Result)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal result: %w", err)
	}
	if job.Error != nil {
		errBytes, err := json.Marshal(job.Error)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal error: %w", err)
		}
		v := string(errBytes)
		errJSON = &v
	}
	return string(settingsBytes), string(resultBytes), errJSON, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339Nano)
	return &v
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, _ := time.Parse(time.RFC3339Nano, *s)
	return &t
}
