// Package warehouse is the Postgres persistence layer for the research
// pipeline: resolved markets, historical trades, contrarian events, job
// bookkeeping, optimization results, and monitoring state.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"polysignal/internal/config"
)

// Warehouse wraps the research database. A Warehouse with no DSN behaves as
// "not configured": reads return empty sets and writes return
// ErrNotConfigured, which the API layer maps to 503.
type Warehouse struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *slog.Logger
}

// ErrNotConfigured is returned by operations that need a database when none
// was configured.
var ErrNotConfigured = fmt.Errorf("warehouse not configured")

// Open connects to Postgres. An empty DSN yields a disabled warehouse, not
// an error.
func Open(cfg config.WarehouseConfig, logger *slog.Logger) (*Warehouse, error) {
	w := &Warehouse{timeout: cfg.QueryTimeout, logger: logger.With("component", "warehouse")}
	if w.timeout <= 0 {
		w.timeout = 30 * time.Second
	}
	if cfg.DSN == "" {
		w.logger.Warn("warehouse DSN not set, research persistence disabled")
		return w, nil
	}

	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	w.db = db
	w.logger.Info("connected to warehouse")
	return w, nil
}

// Enabled reports whether a database is attached.
func (w *Warehouse) Enabled() bool { return w != nil && w.db != nil }

// Close releases the connection pool.
func (w *Warehouse) Close() error {
	if !w.Enabled() {
		return nil
	}
	return w.db.Close()
}

func (w *Warehouse) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, w.timeout)
}

// Migrate applies every *.up.sql file under dir in lexical order. Statements
// are idempotent (CREATE ... IF NOT EXISTS), so re-running is safe.
func (w *Warehouse) Migrate(ctx context.Context, dir string) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := w.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		w.logger.Info("applied migration", "file", name)
	}
	return nil
}
