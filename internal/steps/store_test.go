package steps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wbattistetti/omnia/internal/assembly"
	"github.com/wbattistetti/omnia/internal/models"
)

// recordingSink implements TranslationSink for testing.
type recordingSink struct {
	mu      sync.Mutex
	entries []models.TranslationEntry
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *recordingSink) PutTranslations(ctx context.Context, entries []models.TranslationEntry) error {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return s.err
}

func text(s string) []models.PromptLevel {
	return []models.PromptLevel{{models.Text(s)}}
}

func dob() models.Field {
	return models.Field{
		ID: "dob",
		Prompts: map[models.StepType][]models.PromptLevel{
			models.StepStart:   text("What is your date of birth?"),
			models.StepNoMatch: {{models.Text("Sorry?")}, {models.Text("Please repeat the date.")}},
		},
		SubFields: []models.Field{
			{ID: "day", Prompts: map[models.StepType][]models.PromptLevel{models.StepStart: text("Which day?")}},
			{ID: "month", Prompts: map[models.StepType][]models.PromptLevel{models.StepStart: text("Which month?")}},
			{ID: "year", Prompts: map[models.StepType][]models.PromptLevel{models.StepStart: text("Which year?")}},
		},
	}
}

func TestStore_LazyAssembly(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(dob(), "tpl", sink)
	if len(s.Steps()) != 0 {
		t.Fatal("store should start empty")
	}

	step, err := s.GetStep(context.Background(), "month", models.StepStart)
	if err != nil {
		t.Fatalf("GetStep error: %v", err)
	}
	if step.OwnerFieldID != "month" || step.Escalations[0].Actions[0].TextKey != "tpl.start#1.month.a0" {
		t.Errorf("unexpected step %+v", step)
	}
	if len(sink.entries) != 1 || sink.entries[0].Value != "Which month?" {
		t.Errorf("sink entries = %+v", sink.entries)
	}

	if _, err := s.GetStep(context.Background(), "month", models.StepStart); err != nil {
		t.Fatal(err)
	}
	if s.Assemblies() != 1 {
		t.Errorf("assemblies = %d, want 1 (second lookup cached)", s.Assemblies())
	}
	if len(s.Steps()) != 1 {
		t.Errorf("only the requested step should be materialized, got %d", len(s.Steps()))
	}
}

func TestStore_Errors(t *testing.T) {
	s := NewStore(dob(), "tpl", nil)
	if _, err := s.GetStep(context.Background(), "dob", models.StepSuccess); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("missing step err = %v, want ErrStepNotFound", err)
	}
	if _, err := s.GetStep(context.Background(), "zip", models.StepStart); !errors.Is(err, ErrFieldNotFound) {
		t.Errorf("missing field err = %v, want ErrFieldNotFound", err)
	}

	bad := dob()
	bad.Prompts[models.StepNoInput] = []models.PromptLevel{{}}
	s = NewStore(bad, "tpl", nil)
	var cfgErr *assembly.ConfigError
	if _, err := s.GetStep(context.Background(), "dob", models.StepNoInput); !errors.As(err, &cfgErr) {
		t.Errorf("malformed step err = %v, want ConfigError", err)
	}
}

func TestStore_SingleFlight(t *testing.T) {
	sink := &recordingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewStore(dob(), "tpl", sink)

	const callers = 32
	var wg sync.WaitGroup
	results := make([]models.DialogueStep, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetStep(context.Background(), "dob", models.StepNoMatch)
		}(i)
	}

	<-sink.entered
	time.Sleep(50 * time.Millisecond)
	close(sink.release)
	wg.Wait()

	if s.Assemblies() != 1 {
		t.Errorf("assemblies = %d, want exactly 1", s.Assemblies())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(results[0], results[i]); diff != "" {
			t.Errorf("caller %d got a different step:\n%s", i, diff)
		}
	}
	if len(sink.entries) != 2 {
		t.Errorf("entries persisted %d times, want once (2 entries)", len(sink.entries))
	}
}

func TestStore_SinkFailureNotFatal(t *testing.T) {
	s := NewStore(dob(), "tpl", &recordingSink{err: errors.New("db down")})
	if _, err := s.GetStep(context.Background(), "dob", models.StepStart); err != nil {
		t.Errorf("sink failure should not fail lookup: %v", err)
	}
}

func TestStore_InvalidateAndUpdate(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(dob(), "tpl", sink)
	ctx := context.Background()

	if _, err := s.GetStep(ctx, "day", models.StepStart); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetStep(ctx, "dob", models.StepStart); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdatePrompts("day", map[models.StepType][]models.PromptLevel{
		models.StepStart: text("On which day of the month?"),
	}); err != nil {
		t.Fatal(err)
	}
	if len(s.Steps()) != 1 || s.Steps()[0].OwnerFieldID != "dob" {
		t.Errorf("only the updated field should be invalidated, got %+v", s.Steps())
	}

	step, err := s.GetStep(ctx, "day", models.StepStart)
	if err != nil {
		t.Fatal(err)
	}
	if step.Escalations[0].Actions[0].TextKey != "tpl.start#1.day.a0" {
		t.Errorf("key changed across re-assembly: %s", step.Escalations[0].Actions[0].TextKey)
	}
	last := sink.entries[len(sink.entries)-1]
	if last.Value != "On which day of the month?" {
		t.Errorf("re-assembly used stale prompts: %+v", last)
	}
	if s.Assemblies() != 3 {
		t.Errorf("assemblies = %d, want 3", s.Assemblies())
	}

	if err := s.UpdatePrompts("zip", nil); !errors.Is(err, ErrFieldNotFound) {
		t.Errorf("update of unknown field err = %v", err)
	}
}

func TestStore_CopiesField(t *testing.T) {
	f := dob()
	s := NewStore(f, "tpl", nil)
	f.Prompts[models.StepStart] = text("mutated")
	if _, err := s.GetStep(context.Background(), "dob", models.StepStart); err != nil {
		t.Fatal(err)
	}
	got := s.Field()
	if got.Prompts[models.StepStart][0][0].Text != "What is your date of birth?" {
		t.Error("store shares prompts with the caller")
	}
}

func TestStore_LoadAndPut(t *testing.T) {
	f := dob()
	out, err := assembly.AssembleField(&f, "tpl")
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(f, "tpl", nil)
	s.Load(out.Tree)
	if len(s.Steps()) != 5 {
		t.Fatalf("loaded %d steps, want 5", len(s.Steps()))
	}
	if _, err := s.GetStep(context.Background(), "year", models.StepStart); err != nil {
		t.Fatal(err)
	}
	if s.Assemblies() != 0 {
		t.Error("loaded steps should not be re-assembled")
	}

	s.PutStep(models.DialogueStep{ID: "custom", OwnerFieldID: "year", StepType: models.StepSuccess})
	step, err := s.GetStep(context.Background(), "year", models.StepSuccess)
	if err != nil || step.ID != "custom" {
		t.Errorf("PutStep not visible: %+v, %v", step, err)
	}
}

func TestStore_ConcurrentDistinctKeys(t *testing.T) {
	s := NewStore(dob(), "tpl", &recordingSink{})
	var wg sync.WaitGroup
	for _, id := range []string{"dob", "day", "month", "year"} {
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := s.GetStep(context.Background(), id, models.StepStart); err != nil {
					t.Error(fmt.Errorf("%s: %w", id, err))
				}
			}(id)
		}
	}
	wg.Wait()
	if s.Assemblies() != 4 {
		t.Errorf("assemblies = %d, want 4", s.Assemblies())
	}
}
