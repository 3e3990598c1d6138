package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type Config struct {
	Driver string
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string
	// LockPath guards sqlite writes across processes. Ignored for postgres.
	LockPath        string
	LockTimeout     time.Duration
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps the sqlx handle with the write lock the sqlite backend needs.
type DB struct {
	db          *sqlx.DB
	driver      string
	mu          sync.Mutex
	lock        *flock.Flock
	lockTimeout time.Duration
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("open %s store: missing dsn", driver)
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}

	var (
		db   *sqlx.DB
		lock *flock.Flock
		err  error
	)
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create wallet store directory: %w", err)
		}
		lockPath := cfg.LockPath
		if strings.TrimSpace(lockPath) == "" {
			lockPath = cfg.DSN + ".lock"
		}
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			return nil, fmt.Errorf("create wallet lock directory: %w", err)
		}
		db, err = sqlx.Open(DriverSQLite, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open wallet sqlite: %w", err)
		}
		// One connection keeps pragmas in force and serializes transactions.
		db.SetMaxOpenConns(1)
		lock = flock.New(lockPath)
	case DriverPostgres:
		db, err = sqlx.Open(DriverPostgres, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open wallet postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q (expected %s|%s)", cfg.Driver, DriverSQLite, DriverPostgres)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	store := &DB{db: db, driver: driver, lock: lock, lockTimeout: lockTimeout}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Driver() string { return d.driver }

// X exposes the sqlx handle for read queries.
func (d *DB) X() *sqlx.DB { return d.db }

func (d *DB) migrate(ctx context.Context) error {
	var queries []string
	if d.driver == DriverSQLite {
		queries = append(queries,
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA busy_timeout=5000;",
		)
	}
	queries = append(queries,
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			encrypted_private_key TEXT NOT NULL,
			user_platform_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			platform_username TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_used BIGINT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			seq BIGINT NOT NULL DEFAULT 0
		);`,
		"CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_platform_id);",
		"CREATE INDEX IF NOT EXISTS idx_wallets_platform ON wallets(platform);",
		"CREATE INDEX IF NOT EXISTS idx_wallets_user_active ON wallets(user_platform_id, is_active);",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_one_active ON wallets(user_platform_id) WHERE is_active = 1;",
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			user_platform_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			payload TEXT NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_executions_user_updated ON executions(user_platform_id, updated_at DESC);",
	)
	for _, q := range queries {
		if _, err := d.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init wallet schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn as one atomic unit. On sqlite the file lock is held for the
// duration so concurrent processes cannot interleave writes.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	if d.lock != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		lockCtx, cancel := context.WithTimeout(ctx, d.lockTimeout)
		locked, lerr := d.lock.TryLockContext(lockCtx, 25*time.Millisecond)
		cancel()
		if lerr != nil {
			return fmt.Errorf("lock wallet store: %w", lerr)
		}
		if !locked {
			return fmt.Errorf("lock wallet store: timeout acquiring lock")
		}
		defer func() { _ = d.lock.Unlock() }()
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// lockOwner serializes writers for one owner inside tx. Postgres takes a
// transaction-scoped advisory lock; sqlite writes are already serialized by
// WithTx.
func (d *DB) lockOwner(ctx context.Context, tx *sqlx.Tx, owner string) error {
	if d.driver != DriverPostgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", owner); err != nil {
		return fmt.Errorf("lock wallets of %s: %w", owner, err)
	}
	return nil
}

func (d *DB) rebind(q string) string { return d.db.Rebind(q) }
