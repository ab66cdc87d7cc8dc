// Package testutil provides common test utilities and helpers for omnia tests.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wbattistetti/omnia/internal/catalog"
	"github.com/wbattistetti/omnia/internal/dialogue"
	"github.com/wbattistetti/omnia/internal/store"
)

// Envelope is the decoded form of an API success or error response.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// CatalogDir finds the repository's catalog directory by walking up from the
// working directory.
func CatalogDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "catalog")
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("catalog directory not found")
		}
		dir = parent
	}
}

// LoadCatalog loads the repository catalog.
func LoadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load(CatalogDir(t))
	if err != nil {
		t.Fatalf("Load catalog: %v", err)
	}
	return c
}

// NewEngine creates an engine over the repository catalog backed by an
// in-memory store for translations and results. Extra options apply last.
func NewEngine(t *testing.T, opts ...dialogue.Option) (*dialogue.Engine, *store.InMemoryStore) {
	t.Helper()
	mem := store.NewInMemoryStore()
	opts = append([]dialogue.Option{dialogue.WithTranslations(mem), dialogue.WithResults(mem)}, opts...)
	e := dialogue.NewEngine(LoadCatalog(t), opts...)
	t.Cleanup(e.Close)
	return e, mem
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeEnvelope decodes a JSON API response.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return env
}

// MustUnmarshalJSON unmarshals JSON data and fails the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", data, err)
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
