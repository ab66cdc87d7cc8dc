// Package store provides storage backends for Omnia.
//
// It persists generated translation entries and concluded dialogue results, with
// an in-memory store for tests and development and SQLite or PostgreSQL for
// deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wbattistetti/omnia/internal/models"
)

// ErrTranslationNotFound is returned by Lookup for unknown keys.
var ErrTranslationNotFound = errors.New("translation not found")

// TranslationStore holds the text behind translation keys.
type TranslationStore interface {
	// Lookup returns the text of key.
	Lookup(ctx context.Context, key string) (string, error)
	// PutTranslations inserts entries whose keys are not present yet. Existing
	// keys keep their text so human edits survive re-assembly.
	PutTranslations(ctx context.Context, entries []models.TranslationEntry) error
	// SetTranslation creates or overwrites the text of key.
	SetTranslation(ctx context.Context, key, value string) error
}

// ResultStore persists concluded dialogue results.
type ResultStore interface {
	// SaveResult creates or replaces the result of a dialogue.
	SaveResult(ctx context.Context, r models.DialogueResult) error
	// ListResults returns stored results ordered by start time. An empty
	// fieldID lists every result.
	ListResults(ctx context.Context, fieldID string) ([]models.DialogueResult, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	TranslationStore
	ResultStore
	DedupRepo
	Close() error
}

// Opts holds configuration options for stores.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType returns the driver a DSN is meant for. URLs and key/value
// connection strings are PostgreSQL, anything else is a SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open creates the store matching the DSN type.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		slog.Debug("store.Open: using PostgreSQL")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Debug("store.Open: using SQLite", "path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore is a simple in-memory store, safe for concurrent use.
type InMemoryStore struct {
	mu           sync.RWMutex
	translations map[string]string
	results      map[string]models.DialogueResult
	inbound      map[string]time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		translations: make(map[string]string),
		results:      make(map[string]models.DialogueResult),
		inbound:      make(map[string]time.Time),
	}
}

func (s *InMemoryStore) Lookup(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.translations[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTranslationNotFound, key)
	}
	return v, nil
}

func (s *InMemoryStore) PutTranslations(ctx context.Context, entries []models.TranslationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.translations[e.Key]; !ok {
			s.translations[e.Key] = e.Value
		}
	}
	return nil
}

func (s *InMemoryStore) SetTranslation(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.translations[key] = value
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) SaveResult(ctx context.Context, r models.DialogueResult) error {
	if r.DialogueID == "" {
		return errors.New("dialogue id is required")
	}
	s.mu.Lock()
	s.results[r.DialogueID] = r
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListResults(ctx context.Context, fieldID string) ([]models.DialogueResult, error) {
	s.mu.RLock()
	out := make([]models.DialogueResult, 0, len(s.results))
	for _, r := range s.results {
		if fieldID == "" || r.FieldID == fieldID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].DialogueID < out[j].DialogueID
	})
	return out, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = time.Now()
	return true, nil
}

func (s *InMemoryStore) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.inbound {
		if at.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
