package store

// This file implements a PostgreSQL-backed store for translations and results.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/wbattistetti/omnia/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM translations WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTranslationNotFound, key)
	}
	if err != nil {
		slog.Error("PostgresStore Lookup failed", "error", err, "key", key)
		return "", fmt.Errorf("failed to look up translation %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) PutTranslations(ctx context.Context, entries []models.TranslationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO translations (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare translation insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value); err != nil {
			slog.Error("PostgresStore PutTranslations failed", "error", err, "key", e.Key)
			return fmt.Errorf("failed to insert translation %s: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit translations: %w", err)
	}
	slog.Debug("PostgresStore PutTranslations succeeded", "count", len(entries))
	return nil
}

func (s *PostgresStore) SetTranslation(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translations (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		slog.Error("PostgresStore SetTranslation failed", "error", err, "key", key)
		return fmt.Errorf("failed to set translation %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, r models.DialogueResult) error {
	values, err := encodeValues(r.Values)
	if err != nil {
		return err
	}
	var concludedAt interface{}
	if r.ConcludedAt != nil {
		concludedAt = *r.ConcludedAt
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO dialogue_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dialogue_id) DO UPDATE SET
			template_id = EXCLUDED.template_id,
			field_id = EXCLUDED.field_id,
			phase = EXCLUDED.phase,
			values_json = EXCLUDED.values_json,
			confidence = EXCLUDED.confidence,
			method = EXCLUDED.method,
			confirmed = EXCLUDED.confirmed,
			started_at = EXCLUDED.started_at,
			concluded_at = EXCLUDED.concluded_at`,
		r.DialogueID, r.TemplateID, r.FieldID, string(r.Phase), values,
		r.Confidence, nilIfEmpty(string(r.Method)), r.Confirmed, r.StartedAt, concludedAt)
	if err != nil {
		slog.Error("PostgresStore SaveResult failed", "error", err, "dialogueID", r.DialogueID)
		return fmt.Errorf("failed to save result %s: %w", r.DialogueID, err)
	}
	slog.Debug("PostgresStore SaveResult succeeded", "dialogueID", r.DialogueID, "phase", r.Phase)
	return nil
}

func (s *PostgresStore) ListResults(ctx context.Context, fieldID string) ([]models.DialogueResult, error) {
	query := `SELECT ` + resultColumns + ` FROM dialogue_results`
	var args []any
	if fieldID != "" {
		query += ` WHERE field_id = $1`
		args = append(args, fieldID)
	}
	query += ` ORDER BY started_at, dialogue_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore ListResults query failed", "error", err)
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
	return out, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
