package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Import the SQLite3 driver
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS servers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    premium INTEGER NOT NULL DEFAULT 0,
    cleanup_enabled INTEGER NOT NULL DEFAULT 1,
    restore_archived INTEGER NOT NULL DEFAULT 0,
    cleanup_log_channel TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS forums (
    id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    minimum_characters INTEGER NOT NULL DEFAULT 0,
    duplicates INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS forums_server_id ON forums (server_id);

CREATE TABLE IF NOT EXISTS forum_patterns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    forum_id TEXT NOT NULL REFERENCES forums (id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    action TEXT NOT NULL,
    pattern TEXT NOT NULL,
    UNIQUE (forum_id, name)
);

CREATE TABLE IF NOT EXISTS forum_cleanup (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    forum_id TEXT NOT NULL REFERENCES forums (id) ON DELETE CASCADE,
    rule_key TEXT NOT NULL,
    days INTEGER NOT NULL DEFAULT 0,
    extra TEXT NOT NULL DEFAULT '',
    UNIQUE (forum_id, rule_key, extra)
);`

// Open connects to the SQLite database at dbPath, creating the file and its directory if needed,
// and applies the schema.
func Open(ctx context.Context, dbPath string, logger *zap.Logger) (*sqlx.DB, error) {
	// Ensure the directory for the database file exists.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer, sqlite serializes them anyway
	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to database", zap.String("path", dbPath))
	return db, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) getBuilder(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.GetContext(ctx, dest, query, args...)
}

func (s *Store) selectBuilder(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.SelectContext(ctx, dest, query, args...)
}

func (s *Store) execBuilder(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func newBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}
