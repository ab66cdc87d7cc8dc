package testutil

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestCatalogDir(t *testing.T) {
	dir := CatalogDir(t)
	if filepath.Base(dir) != "catalog" {
		t.Errorf("CatalogDir = %q", dir)
	}
	if c := LoadCatalog(t); len(c.Templates()) == 0 {
		t.Error("catalog has no templates")
	}
}

func TestNewEngine(t *testing.T) {
	e, mem := NewEngine(t)
	p, err := e.StartDialogue(context.Background(), "email")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Abandon(context.Background(), p.DialogueID); err != nil {
		t.Fatal(err)
	}
	results, err := mem.ListResults(context.Background(), "email")
	if err != nil || len(results) != 1 {
		t.Errorf("results = %v, %v", results, err)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":{"n":1}}`)
	env := DecodeEnvelope(t, rr)
	if env.Status != "ok" {
		t.Errorf("Status = %q", env.Status)
	}
	var out struct{ N int }
	MustUnmarshalJSON(t, env.Result, &out)
	if out.N != 1 {
		t.Errorf("N = %d", out.N)
	}
}

func TestEventually(t *testing.T) {
	start := time.Now()
	Eventually(t, time.Second, func() bool { return time.Since(start) > 30*time.Millisecond }, "clock advances")
}
