// Package database opens the relay database. SQLite is the default; a
// postgres:// URL switches to a pgx pool. The same *sql.DB backs both GORM
// and the WhatsApp session store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialects as understood by the WhatsApp session store.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// sqlitePragmas are required by the session store (foreign keys) and keep
// concurrent writers from failing immediately.
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// DB wraps the GORM instance and its underlying connection pool.
type DB struct {
	GORM    *gorm.DB
	SQL     *sql.DB
	Dialect string

	pool *pgxpool.Pool // postgres only
}

// New opens databaseURL. Accepted forms: sqlite://path, sqlite::memory:,
// a bare file path, or postgres:// / postgresql://.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return openPostgres(ctx, databaseURL)
	default:
		return openSQLite(ctx, databaseURL)
	}
}

func openPostgres(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	return &DB{GORM: gormDB, SQL: sqlDB, Dialect: DialectPostgres, pool: pool}, nil
}

func openSQLite(ctx context.Context, databaseURL string) (*DB, error) {
	dsn := SQLiteDSN(databaseURL)
	if path := sqlitePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	gormDB, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// single writer avoids SQLITE_BUSY between the session store and the ledger
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{GORM: gormDB, SQL: sqlDB, Dialect: DialectSQLite}, nil
}

// SQLiteDSN turns a sqlite:// URL into a driver DSN with the required pragmas.
func SQLiteDSN(databaseURL string) string {
	dsn := strings.TrimPrefix(databaseURL, "sqlite://")
	if dsn == "" || dsn == ":memory:" || dsn == "sqlite::memory:" {
		dsn = ":memory:"
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + sqlitePragmas
}

// sqlitePath returns the on-disk file of dsn, or "" for in-memory databases.
func sqlitePath(dsn string) string {
	path, _, _ := strings.Cut(dsn, "?")
	path = strings.TrimPrefix(path, "file:")
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
}

// Close closes the database connections.
func (db *DB) Close() {
	if db.SQL != nil {
		_ = db.SQL.Close()
	}
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping checks if the database is reachable. Used by the status health checks.
func (db *DB) Ping(ctx context.Context) error {
	if db.SQL == nil {
		return errors.New("database is closed")
	}
	return db.SQL.PingContext(ctx)
}
