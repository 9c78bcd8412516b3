package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultTableName = "collabsync_snapshots"
	operationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	driver string
	create string
	load   string
	save   string
}

var (
	postgresDialect = dialect{
		driver: "postgres",
		create: `
			CREATE TABLE IF NOT EXISTS %s (
				snapshot_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		load: "SELECT payload FROM %s WHERE snapshot_key = $1",
		save: `
			INSERT INTO %s (snapshot_key, payload, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (snapshot_key)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
	}
	sqliteDialect = dialect{
		driver: "sqlite3",
		create: `
			CREATE TABLE IF NOT EXISTS %s (
				snapshot_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		load: "SELECT payload FROM %s WHERE snapshot_key = ?",
		save: `
			INSERT INTO %s (snapshot_key, payload, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(snapshot_key)
			DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
	}
)

// SQLBackend stores snapshots in a single key/payload table. The table is
// created lazily on first use.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   dialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: defaultTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

// NewSQLiteBackend opens a database file at path, creating its directory.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	return &SQLBackend{
		dsn:       path + "?_busy_timeout=5000",
		tableName: defaultTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(b.dialect.load, quoteIdentifier(b.tableName)), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (b *SQLBackend) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(b.dialect.save, quoteIdentifier(b.tableName)), key, string(data))
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(b.dialect.create, quoteIdentifier(b.tableName))); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
