// Package sqlitepool provides a pool.Factory backed by modernc.org/sqlite.
//
// SQLite prefers a small number of writers per file, so each pooled resource
// is a single-connection database handle (WAL mode allows the readers to
// proceed concurrently). The liveness probe is a plain SELECT 1.
package sqlitepool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inipew/guardkit/pool"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Conn is one pooled SQLite handle.
type Conn struct {
	db *sql.DB
}

// DB exposes the underlying handle for queries.
func (c *Conn) DB() *sql.DB { return c.db }

func (c *Conn) Ping(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("sqlite probe: %w", err)
	}
	return nil
}

func (c *Conn) Close() error { return c.db.Close() }

// WithTx runs fn inside a transaction: committed when fn returns nil, rolled
// back otherwise (including when fn panics). fn's error comes back unchanged
// so callers can errors.Is/As against it.
func (c *Conn) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	committed = true
	return nil
}

// NewFactory returns a factory opening single-connection handles to cfg.Path.
func NewFactory(cfg Config) (pool.Factory, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlitepool: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	return pool.FactoryFunc(func(ctx context.Context) (pool.Resource, error) {
		db, err := sql.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		// Basic pragmas.
		if cfg.BusyTimeout > 0 {
			_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

		c := &Conn{db: db}
		if err := c.Ping(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return c, nil
	}), nil
}
