package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const schema = `
create table if not exists overrides (
	key text not null primary key,
	command text not null default '',
	expand integer not null default 0,
	name text not null,
	location text not null,
	disabled_at datetime not null
);
create table if not exists optimize_runs (
	id integer not null primary key,
	date datetime not null,
	freed_mb real not null,
	process_count integer not null,
	payload json
);
`

type (
	Database interface {
		LoadOverrides(ctx context.Context) (map[string]Override, error)
		PutOverride(ctx context.Context, key string, o Override) error
		DeleteOverride(ctx context.Context, key string) error
		AppendRun(ctx context.Context, run Run) error
		RecentRuns(ctx context.Context, limit int) ([]Run, error)
		Close() error
	}

	//Override is the durable record of a user-disabled startup entry.
	//Expand marks a command stored as REG_EXPAND_SZ.
	Override struct {
		Command    string
		Expand     bool
		Name       string
		Location   string
		DisabledAt time.Time
	}

	//Run is one optimize pass; Payload holds the full report as JSON
	Run struct {
		ID           int64
		Date         time.Time
		FreedMB      float64
		ProcessCount int
		Payload      []byte
	}

	database struct {
		db *sql.DB
	}
)

// New opens (creating when needed) the sqlite database at path. A file that
// sqlite reports as corrupt or not a database is moved aside and a fresh one
// is created; any other failure, a lock held by another process included, is
// returned as is.
func New(path string, logger *slog.Logger) (Database, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(): %w", err)
	}

	d, err := open(path)
	if err == nil {
		return d, nil
	}
	if !unreadable(err) {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	logger.Warn("database unreadable, starting fresh", "path", path, "moved_to", aside, "error", err)
	if rerr := os.Rename(path, aside); rerr != nil && !os.IsNotExist(rerr) {
		return nil, fmt.Errorf("os.Rename(): %w (open: %v)", rerr, err)
	}
	return open(path)
}

func open(path string) (*database, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sql.Open(): %w", err)
	}
	//a single connection gives single-writer semantics and avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("db.Exec() on init statement: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &database{db: db}, nil
}

//migrate brings files created before the expand column up to date
func migrate(db *sql.DB) error {
	var n int
	if err := db.QueryRow("select count(*) from pragma_table_info('overrides') where name = 'expand'").Scan(&n); err != nil {
		return fmt.Errorf("db.QueryRow() on table info: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec("alter table overrides add column expand integer not null default 0"); err != nil {
		return fmt.Errorf("db.Exec() on migration: %w", err)
	}
	return nil
}

func unreadable(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrNotADB || serr.Code == sqlite3.ErrCorrupt
}

func (w *database) LoadOverrides(ctx context.Context) (map[string]Override, error) {
	rows, err := w.db.QueryContext(ctx, "select key, command, expand, name, location, disabled_at from overrides")
	if err != nil {
		return nil, fmt.Errorf("db.Query(): %w", err)
	}
	defer rows.Close()

	out := make(map[string]Override)
	for rows.Next() {
		var key string
		var o Override
		if err := rows.Scan(&key, &o.Command, &o.Expand, &o.Name, &o.Location, &o.DisabledAt); err != nil {
			return nil, fmt.Errorf("rows.Scan(): %w", err)
		}
		out[key] = o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err(): %w", err)
	}
	return out, nil
}

//PutOverride inserts or replaces, there is never more than one row per key
func (w *database) PutOverride(ctx context.Context, key string, o Override) error {
	_, err := w.db.ExecContext(ctx,
		"insert or replace into overrides(key, command, expand, name, location, disabled_at) values(?, ?, ?, ?, ?, ?)",
		key, o.Command, o.Expand, o.Name, o.Location, o.DisabledAt.UTC())
	if err != nil {
		return fmt.Errorf("db.Exec(): %w", err)
	}
	return nil
}

func (w *database) DeleteOverride(ctx context.Context, key string) error {
	if _, err := w.db.ExecContext(ctx, "delete from overrides where key = ?", key); err != nil {
		return fmt.Errorf("db.Exec(): %w", err)
	}
	return nil
}

//AppendRun stores one optimize report in the journal
func (w *database) AppendRun(ctx context.Context, run Run) (err error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db.Begin(): %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, "insert into optimize_runs(date, freed_mb, process_count, payload) values(?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("tx.Prepare(): %w", err)
	}
	defer func() {
		cerr := stmt.Close()
		if err == nil {
			err = cerr
		}
	}()

	if _, err = stmt.ExecContext(ctx, run.Date.UTC(), run.FreedMB, run.ProcessCount, string(run.Payload)); err != nil {
		return fmt.Errorf("stmt.Exec(): %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx.Commit(): %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (w *database) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := w.db.QueryContext(ctx,
		"select id, date, freed_mb, process_count, payload from optimize_runs order by date desc, id desc limit ?", limit)
	if err != nil {
		return nil, fmt.Errorf("db.Query(): %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var payload sql.NullString
		if err := rows.Scan(&r.ID, &r.Date, &r.FreedMB, &r.ProcessCount, &payload); err != nil {
			return nil, fmt.Errorf("rows.Scan(): %w", err)
		}
		r.Payload = []byte(payload.String)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err(): %w", err)
	}
	return out, nil
}

func (w *database) Close() error {
	return w.db.Close()
}
