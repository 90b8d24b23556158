package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"seminarhall/internal/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the SQLite-backed repository.
type DB struct {
	*sql.DB
	store
	path   string
	logger *zerolog.Logger
}

var _ domain.Repository = (*DB)(nil)

// NewDB opens path (or ":memory:") and applies the schema.
// Write transactions start with BEGIN IMMEDIATE so two writers never interleave.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		// Создаем директорию для БД, если её нет
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_txlock=immediate"
	if !inMemory {
		dsn += "&_journal_mode=WAL"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// каждое соединение к :memory: видит свою базу
		sqlDB.SetMaxOpenConns(1)
	}

	// Проверяем соединение
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	logger.Info().Str("path", path).Msg("database initialized")

	return &DB{DB: sqlDB, store: store{q: sqlDB}, path: path, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS resources (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            capacity INTEGER NOT NULL DEFAULT 0,
            location TEXT NOT NULL DEFAULT '',
            features TEXT NOT NULL DEFAULT '[]',
            created_at DATETIME NOT NULL
        )`,
		// История бронирований сохраняется после удаления зала, поэтому без внешнего ключа
		`CREATE TABLE IF NOT EXISTS reservations (
            id TEXT PRIMARY KEY,
            resource_id TEXT NOT NULL,
            requester_id TEXT NOT NULL,
            date TEXT NOT NULL,
            period INTEGER NOT NULL,
            reason TEXT NOT NULL,
            status TEXT NOT NULL,
            rejection_reason TEXT,
            arrival INTEGER NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS outbox (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            sink TEXT NOT NULL,
            event_type TEXT NOT NULL,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		// at most one confirmed reservation per slot
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_confirmed_slot
            ON reservations(resource_id, date, period) WHERE status IN ('accepted', 'booked')`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_slot ON reservations(resource_id, date, period, status)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_requester ON reservations(requester_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// WithTx runs fn inside one write transaction.
func (db *DB) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&store{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return mapError("ping", db.PingContext(ctx))
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// store runs queries against either the pool or an open transaction.
type store struct {
	q querier
}
