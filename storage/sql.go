package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"kando-api/domain"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// SQL persists the board in Postgres or SQLite. Queries are written with
// $N placeholders and rebound for SQLite.
type SQL struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenSQL opens and pings a database. SQLite paths get WAL and foreign keys
// enabled so column deletes cascade.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		if !strings.Contains(dsn, "_pragma") {
			dsn += "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
		}
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return NewSQL(db, driver), nil
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, driver string) *SQL {
	return &SQL{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) migrations() []string {
	id := "BIGSERIAL PRIMARY KEY"
	ts := "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "DATETIME"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS board_columns (
			id ` + id + `,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'todo',
			position INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS board_tasks (
			id ` + id + `,
			title TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			column_id BIGINT NOT NULL REFERENCES board_columns(id) ON DELETE CASCADE,
			owner_id TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS board_tasks_column_idx ON board_tasks (column_id)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL
		)`,
	}
}

// Migrate creates the schema if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range s.migrations() {
		if _, err := tx.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return tx.Commit()
}

// rebind turns $N placeholders into ?N for SQLite.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

func (s *SQL) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

// execOne runs a single-row write and reports a missing row as NotFound.
func (s *SQL) execOne(ctx context.Context, what string, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return domain.NotFound("entity_not_found", "The item no longer exists")
	}
	return nil
}

func (s *SQL) FetchColumns(ctx context.Context) ([]domain.Column, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, status, position FROM board_columns ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var columns []domain.Column
	for rows.Next() {
		var c domain.Column
		if err := rows.Scan(&c.ID, &c.Title, &c.Status, &c.Position); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

func (s *SQL) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, tag, column_id, owner_id, created_at FROM board_tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Tag, &t.ColumnID, &t.OwnerID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQL) CreateTask(ctx context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error) {
	task := domain.Task{Title: title, Tag: tag, ColumnID: columnID, OwnerID: ownerID, CreatedAt: s.now()}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO board_tasks (title, tag, column_id, owner_id, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`),
		title, tag, columnID, ownerID, task.CreatedAt,
	).Scan(&task.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *SQL) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Tag != nil {
		add("tag", *patch.Tag)
	}
	if patch.ColumnID != nil {
		add("column_id", *patch.ColumnID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE board_tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return s.execOne(ctx, "update task", query, args...)
}

func (s *SQL) UpdateTaskColumn(ctx context.Context, id, columnID int64) error {
	return s.execOne(ctx, "move task", `UPDATE board_tasks SET column_id = $1 WHERE id = $2`, columnID, id)
}

// DeleteTask treats a missing row as already deleted.
func (s *SQL) DeleteTask(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM board_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *SQL) CreateColumn(ctx context.Context, title, status string, position int) (domain.Column, error) {
	col := domain.Column{Title: title, Status: status, Position: position}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO board_columns (title, status, position) VALUES ($1, $2, $3) RETURNING id`),
		title, status, position,
	).Scan(&col.ID)
	if err != nil {
		return domain.Column{}, fmt.Errorf("insert column: %w", err)
	}
	return col, nil
}

func (s *SQL) UpdateColumnTitle(ctx context.Context, id int64, title string) error {
	return s.execOne(ctx, "rename column", `UPDATE board_columns SET title = $1 WHERE id = $2`, title, id)
}

func (s *SQL) UpdateColumnPosition(ctx context.Context, id int64, position int) error {
	return s.execOne(ctx, "update column position", `UPDATE board_columns SET position = $1 WHERE id = $2`, position, id)
}

// DeleteColumn removes the column; its tasks go with it through the
// foreign key cascade.
func (s *SQL) DeleteColumn(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM board_columns WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete column: %w", err)
	}
	return nil
}

// FetchProfiles resolves display names. Unknown ids are skipped.
func (s *SQL) FetchProfiles(ctx context.Context, ids []string) ([]domain.Profile, error) {
	profiles := make([]domain.Profile, 0, len(ids))
	for _, id := range ids {
		p := domain.Profile{ID: id}
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT username FROM profiles WHERE id = $1`), id).Scan(&p.Username)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// UpsertProfile stores a display name for an actor.
func (s *SQL) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := s.exec(ctx,
		`INSERT INTO profiles (id, username) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET username = excluded.username`,
		p.ID, p.Username)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}
