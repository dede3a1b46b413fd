// Package history persists task execution records to SQLite, giving the host
// a durable audit of what ran, for how long, and how it ended. It satisfies
// taskman.Sink.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inipew/guardkit/logx"
	"github.com/inipew/guardkit/taskman"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	Retention   time.Duration // records older than this are pruned (default 7d)
}

type Store struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	retention := cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	st := &Store{db: db, log: log, retention: retention, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores one execution record. Every 500th append triggers an
// opportunistic retention prune on a short budget.
func (s *Store) Append(ctx context.Context, rec taskman.Record) error {
	if s == nil || s.db == nil {
		return errors.New("history: store closed")
	}
	if rec.Started.IsZero() {
		rec.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history(started, name, dur_ms, err) VALUES(?,?,?,?)`,
		rec.Started.Format(time.RFC3339Nano), rec.Name, rec.Duration.Milliseconds(), nullStr(rec.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *Store) pruneExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_history WHERE started < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("history pruned", logx.Int64("rows", n))
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]taskman.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history: store closed")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT started, name, dur_ms, err FROM task_history ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []taskman.Record
	for rows.Next() {
		var started string
		var durMS int64
		var errStr sql.NullString
		var rec taskman.Record
		if err := rows.Scan(&started, &rec.Name, &durMS, &errStr); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			rec.Started = t
		}
		rec.Duration = time.Duration(durMS) * time.Millisecond
		rec.Error = errStr.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
