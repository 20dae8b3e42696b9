// Package sqldb implements store.Store on a relational database via
// sqlx. Postgres is the deployment target; SQLite backs standalone
// mode. The schema is created from embedded migrations on Open.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// DB is the SQL-backed store.
type DB struct {
	db      *sqlx.DB
	dialect string
	stats   *stats.Manager
}

var _ store.Store = (*DB)(nil)

// Open connects, migrates the schema and returns the store. dialect is
// "postgres" or "sqlite"; st may be nil when no counters are wanted.
func Open(ctx context.Context, dialect, dsn string, st *stats.Manager) (*DB, error) {
	var driver string
	switch dialect {
	case dialectPostgres:
		driver = "pgx"
	case dialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unknown database dialect %q", dialect)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == dialectSQLite {
		// A single connection sidesteps SQLITE_BUSY and keeps
		// in-memory databases on one handle.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := runMigrations(db.DB, dialect); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database ready", "dialect", dialect)
	return &DB{db: db, dialect: dialect, stats: st}, nil
}

func (s *DB) Close() error { return s.db.Close() }

// track times one store round-trip: defer s.track()().
func (s *DB) track() func() {
	if s.stats == nil {
		return func() {}
	}
	start := time.Now()
	return func() { s.stats.DBQuery(time.Since(start)) }
}

// jobRow mirrors the job_info table.
type jobRow struct {
	JobID          string    `db:"job_id"`
	Name           string    `db:"name"`
	Command        string    `db:"command"`
	JobType        string    `db:"job_type"`
	Priority       int       `db:"priority"`
	CronExpression string    `db:"cron_expression"`
	Timeout        int       `db:"timeout"`
	RetryCount     int       `db:"retry_count"`
	RetryInterval  int       `db:"retry_interval"`
	CreateTime     time.Time `db:"create_time"`
	UpdateTime     time.Time `db:"update_time"`
}

func (r jobRow) info() job.Info {
	return job.Info{
		JobID:          r.JobID,
		Name:           r.Name,
		Command:        r.Command,
		Type:           job.Type(r.JobType),
		Priority:       r.Priority,
		CronExpression: r.CronExpression,
		Timeout:        r.Timeout,
		RetryCount:     r.RetryCount,
		RetryInterval:  r.RetryInterval,
	}
}

const jobColumns = `job_id, name, command, job_type, priority, cron_expression,
	timeout, retry_count, retry_interval, create_time, update_time`

func (s *DB) SaveJob(ctx context.Context, info job.Info) error {
	defer s.track()()
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO job_info (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`),
		info.JobID, info.Name, info.Command, string(info.Type), info.Priority,
		info.CronExpression, info.Timeout, info.RetryCount, info.RetryInterval,
		now, now)
	if err != nil {
		return fmt.Errorf("save job %s: %w", info.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save job %s: %w", info.JobID, store.ErrDuplicate)
	}
	return nil
}

func (s *DB) UpdateJob(ctx context.Context, info job.Info) error {
	defer s.track()()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE job_info SET name = ?, command = ?, job_type = ?, priority = ?,
			cron_expression = ?, timeout = ?, retry_count = ?, retry_interval = ?,
			update_time = ?
		WHERE job_id = ?`),
		info.Name, info.Command, string(info.Type), info.Priority,
		info.CronExpression, info.Timeout, info.RetryCount, info.RetryInterval,
		time.Now().UTC(), info.JobID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", info.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %s: %w", info.JobID, store.ErrNotFound)
	}
	return nil
}

func (s *DB) DeleteJob(ctx context.Context, jobID string) error {
	defer s.track()()
	// Execution history stays behind for the archive queries.
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM job_info WHERE job_id = ?`), jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete job %s: %w", jobID, store.ErrNotFound)
	}
	return nil
}

func (s *DB) GetJob(ctx context.Context, jobID string) (job.Info, error) {
	defer s.track()()
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+jobColumns+` FROM job_info WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Info{}, fmt.Errorf("get job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return job.Info{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return row.info(), nil
}

func (s *DB) ListJobs(ctx context.Context, offset, limit int) ([]job.Info, error) {
	return s.listJobs(ctx, s.db.Rebind(`
		SELECT `+jobColumns+` FROM job_info
		ORDER BY create_time ASC, job_id ASC
		LIMIT ? OFFSET ?`), limit, offset)
}

func (s *DB) ListJobsByType(ctx context.Context, t job.Type, offset, limit int) ([]job.Info, error) {
	return s.listJobs(ctx, s.db.Rebind(`
		SELECT `+jobColumns+` FROM job_info
		WHERE job_type = ?
		ORDER BY create_time ASC, job_id ASC
		LIMIT ? OFFSET ?`), string(t), limit, offset)
}

func (s *DB) listJobs(ctx context.Context, query string, args ...any) ([]job.Info, error) {
	defer s.track()()
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]job.Info, len(rows))
	for i, r := range rows {
		out[i] = r.info()
	}
	return out, nil
}

func (s *DB) JobCount(ctx context.Context) (int, error) {
	defer s.track()()
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM job_info`); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *DB) PendingJobs(ctx context.Context, limit int) ([]job.Info, error) {
	// Anti-join keeps jobs with an in-flight execution out of the
	// dispatch set.
	return s.listJobs(ctx, s.db.Rebind(`
		SELECT j.job_id, j.name, j.command, j.job_type, j.priority,
			j.cron_expression, j.timeout, j.retry_count, j.retry_interval,
			j.create_time, j.update_time
		FROM job_info j
		LEFT JOIN job_execution e
			ON e.job_id = j.job_id AND e.status = 'RUNNING'
		WHERE e.execution_id IS NULL
		ORDER BY j.priority DESC, j.create_time ASC
		LIMIT ?`), limit)
}

// execRow mirrors job_execution; start/end are nullable until the run
// begins and finishes.
type execRow struct {
	ExecutionID uint64       `db:"execution_id"`
	JobID       string       `db:"job_id"`
	ExecutorID  string       `db:"executor_id"`
	Status      string       `db:"status"`
	TriggerTime time.Time    `db:"trigger_time"`
	StartTime   sql.NullTime `db:"start_time"`
	EndTime     sql.NullTime `db:"end_time"`
	Output      string       `db:"output"`
	Error       string       `db:"error"`
}

func (r execRow) execution() job.Execution {
	return job.Execution{
		ExecutionID: r.ExecutionID,
		JobID:       r.JobID,
		ExecutorID:  r.ExecutorID,
		Status:      job.Status(r.Status),
		TriggerTime: r.TriggerTime,
		StartTime:   r.StartTime.Time,
		EndTime:     r.EndTime.Time,
		Output:      r.Output,
		Error:       r.Error,
	}
}

const execColumns = `execution_id, job_id, executor_id, status, trigger_time,
	start_time, end_time, output, error`

func (s *DB) SaveExecution(ctx context.Context, jobID, executorID string) (uint64, error) {
	defer s.track()()
	now := time.Now().UTC()
	if s.dialect == dialectPostgres {
		var id uint64
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
			INSERT INTO job_execution (job_id, executor_id, status, trigger_time)
			VALUES (?, ?, 'WAITING', ?)
			RETURNING execution_id`), jobID, executorID, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("save execution for %s: %w", jobID, err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO job_execution (job_id, executor_id, status, trigger_time)
		VALUES (?, ?, 'WAITING', ?)`), jobID, executorID, now)
	if err != nil {
		return 0, fmt.Errorf("save execution for %s: %w", jobID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save execution for %s: %w", jobID, err)
	}
	return uint64(id), nil
}

func (s *DB) MarkExecutionRunning(ctx context.Context, executionID uint64) error {
	defer s.track()()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE job_execution SET status = 'RUNNING', start_time = ?
		WHERE execution_id = ? AND status = 'WAITING'`),
		time.Now().UTC(), executionID)
	if err != nil {
		return fmt.Errorf("mark execution %d running: %w", executionID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.requireExecution(ctx, executionID)
}

func (s *DB) UpdateExecutionResult(ctx context.Context, executionID uint64, status job.Status, output, errMsg string) error {
	defer s.track()()
	// Terminal rows are write-once; a late or duplicate result is a
	// no-op, not an overwrite.
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE job_execution SET status = ?, output = ?, error = ?, end_time = ?
		WHERE execution_id = ? AND status IN ('WAITING', 'RUNNING')`),
		string(status), output, errMsg, time.Now().UTC(), executionID)
	if err != nil {
		return fmt.Errorf("update execution %d: %w", executionID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.requireExecution(ctx, executionID)
}

// requireExecution distinguishes "row absent" from "row already
// terminal" after a guarded update touched nothing.
func (s *DB) requireExecution(ctx context.Context, executionID uint64) error {
	var one int
	err := s.db.GetContext(ctx, &one, s.db.Rebind(
		`SELECT 1 FROM job_execution WHERE execution_id = ?`), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %d: %w", executionID, store.ErrNotFound)
	}
	return err
}

func (s *DB) GetExecution(ctx context.Context, executionID uint64) (job.Execution, error) {
	defer s.track()()
	var row execRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+execColumns+` FROM job_execution WHERE execution_id = ?`), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Execution{}, fmt.Errorf("get execution %d: %w", executionID, store.ErrNotFound)
	}
	if err != nil {
		return job.Execution{}, fmt.Errorf("get execution %d: %w", executionID, err)
	}
	return row.execution(), nil
}

func (s *DB) JobExecutions(ctx context.Context, jobID string, offset, limit int) ([]job.Execution, error) {
	return s.listExecutions(ctx, s.db.Rebind(`
		SELECT `+execColumns+` FROM job_execution
		WHERE job_id = ?
		ORDER BY trigger_time DESC, execution_id DESC
		LIMIT ? OFFSET ?`), jobID, limit, offset)
}

func (s *DB) LatestExecution(ctx context.Context, jobID string) (job.Execution, error) {
	defer s.track()()
	var row execRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+execColumns+` FROM job_execution
		WHERE job_id = ?
		ORDER BY trigger_time DESC, execution_id DESC
		LIMIT 1`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Execution{}, fmt.Errorf("latest execution of %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return job.Execution{}, fmt.Errorf("latest execution of %s: %w", jobID, err)
	}
	return row.execution(), nil
}

func (s *DB) RecentExecutions(ctx context.Context, limit int) ([]job.Execution, error) {
	return s.listExecutions(ctx, s.db.Rebind(`
		SELECT `+execColumns+` FROM job_execution
		ORDER BY trigger_time DESC, execution_id DESC
		LIMIT ?`), limit)
}

func (s *DB) ExecutionCount(ctx context.Context, jobID string) (int, error) {
	defer s.track()()
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM job_execution WHERE job_id = ?`), jobID)
	if err != nil {
		return 0, fmt.Errorf("count executions of %s: %w", jobID, err)
	}
	return n, nil
}

func (s *DB) RunningExecutions(ctx context.Context, limit int) ([]job.Execution, error) {
	return s.listExecutions(ctx, s.db.Rebind(`
		SELECT `+execColumns+` FROM job_execution
		WHERE status = 'RUNNING'
		ORDER BY start_time ASC, execution_id ASC
		LIMIT ?`), limit)
}

func (s *DB) listExecutions(ctx context.Context, query string, args ...any) ([]job.Execution, error) {
	defer s.track()()
	var rows []execRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]job.Execution, len(rows))
	for i, r := range rows {
		out[i] = r.execution()
	}
	return out, nil
}

func (s *DB) CleanupExpiredExecutions(ctx context.Context, days int) (int64, error) {
	defer s.track()()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM job_execution WHERE trigger_time < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const executorColumns = `executor_id, host, port, status, current_load,
	max_load, total_tasks_executed, last_heartbeat`

func (s *DB) RegisterExecutor(ctx context.Context, executorID, host string, port, maxLoad int) error {
	defer s.track()()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO executor_node (executor_id, host, port, status, current_load,
			max_load, total_tasks_executed, last_heartbeat)
		VALUES (?, ?, ?, 'ONLINE', 0, ?, 0, ?)
		ON CONFLICT (executor_id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			max_load = excluded.max_load,
			status = 'ONLINE',
			last_heartbeat = excluded.last_heartbeat`),
		executorID, host, port, maxLoad, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("register executor %s: %w", executorID, err)
	}
	return nil
}

func (s *DB) UpsertExecutor(ctx context.Context, info job.ExecutorInfo) error {
	defer s.track()()
	// current_load and total_tasks_executed stay store-owned on
	// conflict; the node payload only seeds brand-new rows.
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO executor_node (executor_id, host, port, status, current_load,
			max_load, total_tasks_executed, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (executor_id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			status = excluded.status,
			max_load = excluded.max_load,
			last_heartbeat = excluded.last_heartbeat`),
		info.ExecutorID, info.Host, info.Port, string(info.Status),
		info.CurrentLoad, info.MaxLoad, info.TotalTasksExecuted,
		info.LastHeartbeat.UTC())
	if err != nil {
		return fmt.Errorf("upsert executor %s: %w", info.ExecutorID, err)
	}
	return nil
}

func (s *DB) UpdateExecutorStatus(ctx context.Context, executorID string, online bool) error {
	status := job.ExecutorOffline
	if online {
		status = job.ExecutorOnline
	}
	return s.execExecutor(ctx, executorID, s.db.Rebind(
		`UPDATE executor_node SET status = ? WHERE executor_id = ?`),
		string(status), executorID)
}

func (s *DB) UpdateExecutorHeartbeat(ctx context.Context, executorID string) error {
	return s.execExecutor(ctx, executorID, s.db.Rebind(
		`UPDATE executor_node SET last_heartbeat = ? WHERE executor_id = ?`),
		time.Now().UTC(), executorID)
}

func (s *DB) IncrementExecutorLoad(ctx context.Context, executorID string) error {
	return s.execExecutor(ctx, executorID, s.db.Rebind(
		`UPDATE executor_node SET current_load = current_load + 1 WHERE executor_id = ?`),
		executorID)
}

func (s *DB) DecrementExecutorLoad(ctx context.Context, executorID string) error {
	return s.execExecutor(ctx, executorID, s.db.Rebind(`
		UPDATE executor_node
		SET current_load = CASE WHEN current_load > 0 THEN current_load - 1 ELSE 0 END
		WHERE executor_id = ?`), executorID)
}

func (s *DB) UpdateExecutorMaxLoad(ctx context.Context, executorID string, maxLoad int) error {
	return s.execExecutor(ctx, executorID, s.db.Rebind(
		`UPDATE executor_node SET max_load = ? WHERE executor_id = ?`),
		maxLoad, executorID)
}

func (s *DB) IncrementExecutorTaskCount(ctx context.Context, executorID string) error {
	return s.execExecutor(ctx, executorID, s.db.Rebind(
		`UPDATE executor_node SET total_tasks_executed = total_tasks_executed + 1 WHERE executor_id = ?`),
		executorID)
}

func (s *DB) execExecutor(ctx context.Context, executorID, query string, args ...any) error {
	defer s.track()()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update executor %s: %w", executorID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update executor %s: %w", executorID, store.ErrNotFound)
	}
	return nil
}

func (s *DB) GetExecutor(ctx context.Context, executorID string) (job.ExecutorInfo, error) {
	defer s.track()()
	var e job.ExecutorInfo
	err := s.db.GetContext(ctx, &e, s.db.Rebind(
		`SELECT `+executorColumns+` FROM executor_node WHERE executor_id = ?`), executorID)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ExecutorInfo{}, fmt.Errorf("get executor %s: %w", executorID, store.ErrNotFound)
	}
	if err != nil {
		return job.ExecutorInfo{}, fmt.Errorf("get executor %s: %w", executorID, err)
	}
	return e, nil
}

func (s *DB) ListExecutors(ctx context.Context) ([]job.ExecutorInfo, error) {
	defer s.track()()
	var out []job.ExecutorInfo
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+executorColumns+` FROM executor_node ORDER BY executor_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list executors: %w", err)
	}
	return out, nil
}

func (s *DB) OnlineExecutors(ctx context.Context) ([]job.ExecutorInfo, error) {
	defer s.track()()
	var out []job.ExecutorInfo
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT `+executorColumns+` FROM executor_node
		WHERE status = 'ONLINE' AND last_heartbeat > ?
		ORDER BY executor_id ASC`),
		time.Now().UTC().Add(-job.LiveWindow))
	if err != nil {
		return nil, fmt.Errorf("online executors: %w", err)
	}
	return out, nil
}

func (s *DB) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	defer s.track()()
	now := time.Now().UTC()
	// Insert, or take over when the row is expired or already ours,
	// then read back the owner to learn who actually holds it.
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO job_lock (lock_name, lock_owner, lock_time, expire_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (lock_name) DO UPDATE SET
			lock_owner = excluded.lock_owner,
			lock_time = excluded.lock_time,
			expire_time = excluded.expire_time
		WHERE job_lock.lock_owner = excluded.lock_owner OR job_lock.expire_time < ?`),
		name, owner, now, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	var holder string
	err = s.db.GetContext(ctx, &holder, s.db.Rebind(
		`SELECT lock_owner FROM job_lock WHERE lock_name = ?`), name)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return holder == owner, nil
}

func (s *DB) ReleaseLock(ctx context.Context, name, owner string) (bool, error) {
	defer s.track()()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM job_lock WHERE lock_name = ? AND lock_owner = ?`), name, owner)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DB) RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	defer s.track()()
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE job_lock SET expire_time = ?
		WHERE lock_name = ? AND lock_owner = ? AND expire_time > ?`),
		now.Add(ttl), name, owner, now)
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DB) ConfigValue(ctx context.Context, key, def string) (string, error) {
	defer s.track()()
	var v string
	err := s.db.GetContext(ctx, &v, s.db.Rebind(
		`SELECT config_value FROM system_config WHERE config_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("config %s: %w", key, err)
	}
	return v, nil
}

func (s *DB) SetConfigValue(ctx context.Context, key, value, description string) error {
	defer s.track()()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO system_config (config_key, config_value, description, update_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (config_key) DO UPDATE SET
			config_value = excluded.config_value,
			description = excluded.description,
			update_time = excluded.update_time`),
		key, value, description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}
