package store

// This file implements an SQLite-backed store for translations and results.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wbattistetti/omnia/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM translations WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTranslationNotFound, key)
	}
	if err != nil {
		slog.Error("SQLiteStore Lookup failed", "error", err, "key", key)
		return "", fmt.Errorf("failed to look up translation %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) PutTranslations(ctx context.Context, entries []models.TranslationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO translations (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare translation insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value, now, now); err != nil {
			slog.Error("SQLiteStore PutTranslations failed", "error", err, "key", e.Key)
			return fmt.Errorf("failed to insert translation %s: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit translations: %w", err)
	}
	slog.Debug("SQLiteStore PutTranslations succeeded", "count", len(entries))
	return nil
}

func (s *SQLiteStore) SetTranslation(ctx context.Context, key, value string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translations (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now, now)
	if err != nil {
		slog.Error("SQLiteStore SetTranslation failed", "error", err, "key", key)
		return fmt.Errorf("failed to set translation %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, r models.DialogueResult) error {
	values, err := encodeValues(r.Values)
	if err != nil {
		return err
	}
	var concludedAt interface{}
	if r.ConcludedAt != nil {
		concludedAt = *r.ConcludedAt
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO dialogue_results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DialogueID, r.TemplateID, r.FieldID, string(r.Phase), values,
		r.Confidence, nilIfEmpty(string(r.Method)), r.Confirmed, r.StartedAt, concludedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveResult failed", "error", err, "dialogueID", r.DialogueID)
		return fmt.Errorf("failed to save result %s: %w", r.DialogueID, err)
	}
	slog.Debug("SQLiteStore SaveResult succeeded", "dialogueID", r.DialogueID, "phase", r.Phase)
	return nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, fieldID string) ([]models.DialogueResult, error) {
	query := `SELECT ` + resultColumns + ` FROM dialogue_results`
	var args []any
	if fieldID != "" {
		query += ` WHERE field_id = ?`
		args = append(args, fieldID)
	}
	query += ` ORDER BY started_at, dialogue_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListResults query failed", "error", err)
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []models.DialogueResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate result rows: %w", err)
	}
	slog.Debug("SQLiteStore ListResults succeeded", "count", len(out), "fieldID", fieldID)
	return out, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
