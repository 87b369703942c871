// Package store implements the Task Store of spec §3/§4.1: durable tasks
// and append-only log entries, the state machine, and boot recovery.
// Grounded on dronerd/server/task_store.go's database/sql + modernc.org/sqlite
// shape, with schema now owned by versioned goose migrations
// (internal/store/migrations) instead of inline DDL, and on
// thecybersailor-shellman's connection-tuning (WAL + single writer
// connection) for the single-writer guarantee spec §5 requires.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskforge/taskforge/internal/store/migrations"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the sqlite database at path, applies
// migrations, and tunes the connection for a single in-process writer.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask validates depends_on references and inserts a new PENDING
// task. Spec §4.1: dependencies must exist but need not yet be COMPLETED.
func (s *Store) CreateTask(ctx context.Context, fields CreateTaskFields) (*Task, error) {
	if fields.Title == "" || len(fields.Title) > 200 {
		return nil, NewValidationError("title must be 1-200 characters")
	}
	if fields.Prompt == "" {
		return nil, NewValidationError("prompt must not be empty")
	}
	mode := fields.Mode
	if mode == "" {
		mode = ModeExecute
	}
	priority := fields.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	for _, dep := range fields.DependsOn {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, NewValidationError("depends_on references nonexistent task %d", dep)
		}
		if err != nil {
			return nil, fmt.Errorf("check dependency %d: %w", dep, err)
		}
	}

	dependsOnJSON, err := json.Marshal(nonNil(fields.DependsOn))
	if err != nil {
		return nil, err
	}
	tagsJSON, err := json.Marshal(nonNilStrings(fields.Tags))
	if err != nil {
		return nil, err
	}
	createdAt := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (title, prompt, status, mode, priority, depends_on_json, repo_path, tags_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, fields.Title, fields.Prompt, string(StatusPending), string(mode), string(priority), string(dependsOnJSON), fields.RepoPath, string(tagsJSON), formatTime(createdAt))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, NewNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks ordered by created_at ascending, optionally
// filtered by status, per spec §4.1.
func (s *Store) ListTasks(ctx context.Context, status *Status) ([]*Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, string(*status))
	} else {
		rows, err = s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// CountTasks returns the number of tasks in the given status, used by the
// scheduler's admission check (spec §4.5).
func (s *Store) CountTasks(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// pendingRankOrderBy orders PENDING tasks per spec §4.5: priority
// descending, created_at ascending, id ascending. Shared by
// GetNextPendingTask and ListPendingTasksRanked so the two never drift
// apart.
const pendingRankOrderBy = `
ORDER BY
  CASE priority WHEN 'URGENT' THEN 3 WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 1 WHEN 'LOW' THEN 0 ELSE 1 END DESC,
  created_at ASC,
  id ASC
`

// GetNextPendingTask implements the ranking of spec §4.5: priority
// descending, created_at ascending, id ascending.
func (s *Store) GetNextPendingTask(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+`
FROM tasks
WHERE status = ?
`+pendingRankOrderBy+`
LIMIT 1
`, string(StatusPending))
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListPendingTasksRanked returns every PENDING task in the same order as
// GetNextPendingTask, used by the Control Surface's list_tasks command
// when status=PENDING is requested (spec §6.1) — as opposed to
// ListTasks's plain created_at order, which is correct for every other
// status.
func (s *Store) ListPendingTasksRanked(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+`
FROM tasks
WHERE status = ?
`+pendingRankOrderBy, string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusCancelled: true},
	StatusInProgress: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:     {StatusPending: true},
	StatusReview:     {StatusPending: true},
}

// UpdateTask applies a partial patch, enforcing the state machine of spec
// §4.1 whenever patch.Status is set.
func (s *Store) UpdateTask(ctx context.Context, id int64, patch TaskPatch) (*Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != current.Status {
		allowed := allowedTransitions[current.Status]
		if !allowed[*patch.Status] {
			return nil, NewStateConflict(id, current.Status, *patch.Status)
		}
	}

	sets := []string{}
	args := []any{}
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Mode != nil {
		add("mode", string(*patch.Mode))
	}
	if patch.Branch != nil {
		add("branch", *patch.Branch)
	}
	if patch.WorkingDirectory != nil {
		add("working_directory", *patch.WorkingDirectory)
	}
	if patch.Output != nil {
		add("output", *patch.Output)
	}
	if patch.Plan != nil {
		add("plan", *patch.Plan)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.ClearError {
		add("error", "")
	}
	if patch.ExitCode != nil {
		add("exit_code", *patch.ExitCode)
	}
	if patch.ClearExitCode {
		add("exit_code", nil)
	}
	if patch.InputTokens != nil {
		add("input_tokens", *patch.InputTokens)
	}
	if patch.OutputTokens != nil {
		add("output_tokens", *patch.OutputTokens)
	}
	if patch.Cost != nil {
		add("cost", *patch.Cost)
	}
	if patch.ClearUsage {
		add("input_tokens", nil)
		add("output_tokens", nil)
		add("cost", nil)
	}
	if patch.StartedAt != nil {
		add("started_at", formatTime(*patch.StartedAt))
	}
	if patch.ClearStartedAt {
		add("started_at", nil)
	}
	if patch.CompletedAt != nil {
		add("completed_at", formatTime(*patch.CompletedAt))
	}
	if patch.ClearCompletedAt {
		add("completed_at", nil)
	}

	if len(sets) == 0 {
		return current, nil
	}

	query := "UPDATE tasks SET " + joinSets(sets) + " WHERE id = ?"
	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update task %d: %w", id, err)
	}
	return s.GetTask(ctx, id)
}

// Dispatch atomically transitions a PENDING task to IN_PROGRESS with
// started_at = now, per spec §4.5 "Dispatch".
func (s *Store) Dispatch(ctx context.Context, id int64) (*Task, error) {
	status := StatusInProgress
	now := time.Now().UTC()
	return s.UpdateTask(ctx, id, TaskPatch{Status: &status, StartedAt: &now})
}

// Retry moves a FAILED task back to PENDING, clearing error/exit_code/usage
// and completed_at, per spec §4.5 "Retry". Idempotent per spec §8: calling
// it twice on an already-PENDING task is a no-op rather than an error so
// a double-submitted retry request doesn't surface a spurious conflict.
func (s *Store) Retry(ctx context.Context, id int64) (*Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusPending {
		return current, nil
	}
	if current.Status != StatusFailed {
		return nil, NewStateConflict(id, current.Status, StatusPending)
	}
	pending := StatusPending
	return s.UpdateTask(ctx, id, TaskPatch{
		Status:           &pending,
		ClearError:       true,
		ClearExitCode:    true,
		ClearUsage:       true,
		ClearCompletedAt: true,
	})
}

// ApprovePlan moves a REVIEW task back to PENDING with mode EXECUTE, per
// spec §4.5 "Plan approval".
func (s *Store) ApprovePlan(ctx context.Context, id int64) (*Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusReview {
		return nil, NewStateConflict(id, current.Status, StatusPending)
	}
	pending := StatusPending
	execute := ModeExecute
	return s.UpdateTask(ctx, id, TaskPatch{Status: &pending, Mode: &execute})
}

// Cancel transitions a PENDING or IN_PROGRESS task to CANCELLED.
func (s *Store) Cancel(ctx context.Context, id int64) (*Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, NewStateConflict(id, current.Status, StatusCancelled)
	}
	cancelled := StatusCancelled
	now := time.Now().UTC()
	return s.UpdateTask(ctx, id, TaskPatch{Status: &cancelled, CompletedAt: &now})
}

// AddLog appends a log entry for task id. Ids are assigned by
// AUTOINCREMENT so ordering by id is always insertion order (spec §4.1
// "never fails on ordering because ids are monotonic").
func (s *Store) AddLog(ctx context.Context, taskID int64, severity Severity, message, raw string) (*LogEntry, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO task_logs (task_id, created_at, severity, message, raw) VALUES (?, ?, ?, ?, ?)
`, taskID, formatTime(now), string(severity), message, raw)
	if err != nil {
		return nil, fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &LogEntry{ID: id, TaskID: taskID, Time: now, Severity: severity, Message: message, Raw: raw}, nil
}

// GetTaskLogs returns log entries ascending by time then id, per spec §4.1.
func (s *Store) GetTaskLogs(ctx context.Context, taskID int64) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, created_at, severity, message, raw FROM task_logs WHERE task_id = ? ORDER BY created_at ASC, id ASC
`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*LogEntry
	for rows.Next() {
		var l LogEntry
		var createdAt string
		if err := rows.Scan(&l.ID, &l.TaskID, &createdAt, &l.Severity, &l.Message, &l.Raw); err != nil {
			return nil, err
		}
		l.Time, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// DeleteTask removes a task and cascades to its log entries (spec §3.3
// invariant 5).
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return NewNotFound("task", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Recover is invoked exactly once on boot, before the scheduler starts:
// every IN_PROGRESS task is forced back to PENDING with started_at
// cleared (spec §3.3 invariant 6, §4.1 "recover"). Returns the repaired
// count.
func (s *Store) Recover(ctx context.Context) (int, error) {
	tasks, err := s.ListTasks(ctx, ptrStatus(StatusInProgress))
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if _, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, started_at = NULL WHERE id = ?
`, string(StatusPending), t.ID); err != nil {
			return 0, fmt.Errorf("recover task %d: %w", t.ID, err)
		}
	}
	return len(tasks), nil
}

const taskSelectColumns = `SELECT id, title, prompt, status, mode, priority, depends_on_json, repo_path, tags_json,
branch, working_directory, output, plan, error, exit_code, input_tokens, output_tokens, cost,
created_at, started_at, completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*Task, error) {
	var t Task
	var dependsOnJSON, tagsJSON string
	var createdAt string
	var startedAt, completedAt sql.NullString
	var exitCode, inputTokens, outputTokens sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(
		&t.ID, &t.Title, &t.Prompt, &t.Status, &t.Mode, &t.Priority, &dependsOnJSON, &t.RepoPath, &tagsJSON,
		&t.Branch, &t.WorkingDirectory, &t.Output, &t.Plan, &t.Error, &exitCode, &inputTokens, &outputTokens, &cost,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, err
	}
	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, err
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &ts
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if inputTokens.Valid {
		v := int(inputTokens.Int64)
		t.InputTokens = &v
	}
	if outputTokens.Valid {
		v := int(outputTokens.Int64)
		t.OutputTokens = &v
	}
	if cost.Valid {
		v := cost.Float64
		t.Cost = &v
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func ptrStatus(s Status) *Status { return &s }

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
