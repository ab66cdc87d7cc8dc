package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wbattistetti/omnia/internal/catalog"
	"github.com/wbattistetti/omnia/internal/events"
	"github.com/wbattistetti/omnia/internal/extraction"
	"github.com/wbattistetti/omnia/internal/models"
	"github.com/wbattistetti/omnia/internal/store"
)

type templateMap map[string]catalog.Template

func (m templateMap) Get(id string) (catalog.Template, bool) {
	t, ok := m[id]
	return t, ok
}

func loadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load("../../catalog")
	if err != nil {
		t.Fatalf("Load catalog: %v", err)
	}
	return c
}

func levels(texts ...string) []models.PromptLevel {
	out := make([]models.PromptLevel, 0, len(texts))
	for _, s := range texts {
		out = append(out, models.PromptLevel{models.Text(s)})
	}
	return out
}

// colorTemplate is an atomic field recognized by the llm method only, so tests
// can script recognition.
func colorTemplate(mode models.ConfirmMode) catalog.Template {
	return catalog.Template{
		ID: "color",
		Field: models.Field{
			ID:       "color",
			Contract: &models.ExtractionContract{Methods: []models.Method{models.MethodLLM}},
			Confirm:  models.ConfirmPolicy{Mode: mode},
			Prompts: map[models.StepType][]models.PromptLevel{
				models.StepStart:        levels("Which color?"),
				models.StepNoMatch:      levels("Sorry, which color?", "Name a color, like blue."),
				models.StepConfirmation: levels("Is this right?"),
				models.StepSuccess:      levels("Thanks."),
			},
		},
	}
}

// colorRecognizer recognizes any utterance starting with "color " and blocks on
// "slow" until cancelled.
func colorRecognizer(started chan<- struct{}) extraction.Recognizer {
	return extraction.RecognizerFunc(func(ctx context.Context, utterance string, _ extraction.Request) (*models.PartialResult, error) {
		if utterance == "slow" {
			if started != nil {
				started <- struct{}{}
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if v, ok := strings.CutPrefix(utterance, "color "); ok {
			return &models.PartialResult{Values: map[string]any{models.ValueKey: v}, Confidence: 0.9}, nil
		}
		return nil, nil
	})
}

func newColorEngine(t *testing.T, mode models.ConfirmMode, started chan<- struct{}, opts ...Option) *Engine {
	t.Helper()
	resolver := extraction.NewResolver(extraction.WithRecognizer(models.MethodLLM, colorRecognizer(started)))
	opts = append([]Option{WithResolver(resolver)}, opts...)
	e := NewEngine(templateMap{"color": colorTemplate(mode)}, opts...)
	t.Cleanup(e.Close)
	return e
}

func submit(t *testing.T, e *Engine, id, text string) models.Turn {
	t.Helper()
	turn, err := e.SubmitUtterance(context.Background(), id, text)
	if err != nil {
		t.Fatalf("SubmitUtterance(%q) error: %v", text, err)
	}
	return turn
}

func start(t *testing.T, e *Engine, field string) models.Prompt {
	t.Helper()
	p, err := e.StartDialogue(context.Background(), field)
	if err != nil {
		t.Fatalf("StartDialogue(%q) error: %v", field, err)
	}
	return p
}

func TestEngine_DateOfBirthAccepted(t *testing.T) {
	rec := &events.Recorder{}
	mem := store.NewInMemoryStore()
	e := NewEngine(loadCatalog(t), WithPublisher(rec), WithTranslations(mem), WithResults(mem))
	defer e.Close()

	p := start(t, e, "dob")
	want := []string{"I need a few details before we continue.", "What is your date of birth?"}
	if diff := cmp.Diff(want, p.Texts()); diff != "" {
		t.Errorf("start prompt mismatch (-want +got):\n%s", diff)
	}
	if p.StepType != models.StepStart || p.FieldID != "dob" {
		t.Errorf("start prompt = %+v", p)
	}

	turn := submit(t, e, p.DialogueID, "march 3rd 1990")
	if turn.Outcome != models.OutcomeAccepted || turn.Phase != models.PhaseCompleted {
		t.Fatalf("turn = %+v, want accepted", turn)
	}
	if diff := cmp.Diff([]string{"Thank you, I have your date of birth."}, turn.Prompt.Texts()); diff != "" {
		t.Errorf("success prompt mismatch (-want +got):\n%s", diff)
	}

	res, err := e.GetResult(p.DialogueID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"day": 3, "month": 3, "year": 1990}, res.Values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if res.Method != models.MethodRules || res.Confirmed || res.ConcludedAt == nil || res.TemplateID != "date_of_birth" {
		t.Errorf("result = %+v", res)
	}

	evs := rec.Events()
	if len(evs) != 1 || evs[0].Type != events.TypeCompleted || evs[0].DialogueID != p.DialogueID {
		t.Errorf("events = %+v", evs)
	}
	saved, err := mem.ListResults(context.Background(), "dob")
	if err != nil || len(saved) != 1 || saved[0].Phase != models.PhaseCompleted {
		t.Errorf("saved results = %+v, %v", saved, err)
	}

	if _, err := e.SubmitUtterance(context.Background(), p.DialogueID, "again"); !errors.Is(err, ErrDialogueConcluded) {
		t.Errorf("submit after completion err = %v, want ErrDialogueConcluded", err)
	}
	if e.Active() != 0 {
		t.Errorf("Active() = %d, want 0", e.Active())
	}
}

func TestEngine_NoInputEscalatesThenExhausts(t *testing.T) {
	rec := &events.Recorder{}
	e := NewEngine(loadCatalog(t), WithPublisher(rec))
	defer e.Close()
	p := start(t, e, "date_of_birth")

	wantTexts := [][]string{
		{"Are you still there? What is your date of birth?"},
		{"I didn't hear anything.", "Please tell me your date of birth, for example March 3rd 1990."},
		{"Let's try once more: day, month and year of birth."},
	}
	for i, want := range wantTexts {
		turn := submit(t, e, p.DialogueID, "")
		if turn.Outcome != models.OutcomeReprompted || turn.Failure != models.FailureNoInput {
			t.Fatalf("turn %d = %+v", i+1, turn)
		}
		if turn.Prompt.Level != i+1 {
			t.Errorf("turn %d level = %d", i+1, turn.Prompt.Level)
		}
		if diff := cmp.Diff(want, turn.Prompt.Texts()); diff != "" {
			t.Errorf("turn %d prompt mismatch (-want +got):\n%s", i+1, diff)
		}
	}

	turn := submit(t, e, p.DialogueID, "   ")
	if turn.Outcome != models.OutcomeExhausted || turn.Phase != models.PhaseExhausted {
		t.Fatalf("fourth failure = %+v, want exhausted", turn)
	}
	if diff := cmp.Diff([]string{DefaultHandoffText}, turn.Prompt.Texts()); diff != "" {
		t.Errorf("hand-off prompt mismatch (-want +got):\n%s", diff)
	}
	evs := rec.Events()
	if len(evs) != 1 || evs[0].Type != events.TypeEscalationExhausted || evs[0].Failure != models.FailureNoInput {
		t.Errorf("events = %+v", evs)
	}
	res, err := e.GetResult(p.DialogueID)
	if err != nil || res.Phase != models.PhaseExhausted || len(res.Values) != 0 {
		t.Errorf("GetResult = %+v, %v", res, err)
	}
	if _, err := e.GetCurrentPrompt(p.DialogueID); err != nil {
		t.Errorf("GetCurrentPrompt after exhaustion: %v", err)
	}
}

func TestEngine_HandoffTranslation(t *testing.T) {
	mem := store.NewInMemoryStore()
	if err := mem.SetTranslation(context.Background(), HandoffKey, "Un collega ti contatterà."); err != nil {
		t.Fatal(err)
	}
	e := newColorEngine(t, models.ConfirmNever, nil, WithTranslations(mem))
	p := start(t, e, "color")

	var turn models.Turn
	for i := 0; i < 4; i++ {
		turn = submit(t, e, p.DialogueID, "")
	}
	if turn.Outcome != models.OutcomeExhausted {
		t.Fatalf("fourth failure = %+v, want exhausted", turn)
	}
	if diff := cmp.Diff([]string{"Un collega ti contatterà."}, turn.Prompt.Texts()); diff != "" {
		t.Errorf("hand-off prompt mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_CountersAreIndependent(t *testing.T) {
	e := NewEngine(loadCatalog(t))
	defer e.Close()
	p := start(t, e, "dob")

	seq := []struct {
		text    string
		failure models.FailureKind
		level   int
	}{
		{"", models.FailureNoInput, 1},
		{"banana", models.FailureNoMatch, 1},
		{"", models.FailureNoInput, 2},
		{"banana", models.FailureNoMatch, 2},
		{"banana", models.FailureNoMatch, 3},
	}
	for _, s := range seq {
		turn := submit(t, e, p.DialogueID, s.text)
		if turn.Failure != s.failure || turn.Prompt.Level != s.level {
			t.Errorf("submit(%q) = failure %s level %d, want %s level %d", s.text, turn.Failure, turn.Prompt.Level, s.failure, s.level)
		}
	}
}

func TestEngine_PartialThenSubField(t *testing.T) {
	e := NewEngine(loadCatalog(t))
	defer e.Close()
	p := start(t, e, "dob")

	turn := submit(t, e, p.DialogueID, "march 3rd")
	if turn.Outcome != models.OutcomePrompted || turn.Prompt.FieldID != "year" {
		t.Fatalf("partial turn = %+v, want prompt for year", turn)
	}
	if diff := cmp.Diff([]string{"And the year?"}, turn.Prompt.Texts()); diff != "" {
		t.Errorf("sub-field prompt mismatch (-want +got):\n%s", diff)
	}
	res, _ := e.GetResult(p.DialogueID)
	if res.ConcludedAt != nil || len(res.Values) != 2 {
		t.Errorf("in-progress result = %+v", res)
	}

	turn = submit(t, e, p.DialogueID, "1990")
	if turn.Outcome != models.OutcomeAccepted {
		t.Fatalf("completion turn = %+v, want accepted", turn)
	}
	res, _ = e.GetResult(p.DialogueID)
	if diff := cmp.Diff(map[string]any{"day": 3, "month": 3, "year": 1990}, res.Values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_LowConfidenceGoesThroughConfirmation(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		outcome   models.Outcome
		phase     models.Phase
		confirmed bool
	}{
		{"yes", "yes, that's it", models.OutcomeAccepted, models.PhaseCompleted, true},
		{"no", "no", models.OutcomeReprompted, models.PhaseCollecting, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(loadCatalog(t))
			defer e.Close()
			p := start(t, e, "dob")

			turn := submit(t, e, p.DialogueID, "3/4/1990")
			if turn.Outcome != models.OutcomeConfirming || turn.Phase != models.PhaseConfirming {
				t.Fatalf("ambiguous date turn = %+v, want confirming", turn)
			}
			texts := turn.Prompt.Texts()
			if len(texts) != 2 || texts[0] != "Did I get your date of birth right?" || texts[1] != "day: 3, month: 4, year: 1990" {
				t.Errorf("confirmation prompt = %q", texts)
			}

			turn = submit(t, e, p.DialogueID, tt.reply)
			if turn.Outcome != tt.outcome || turn.Phase != tt.phase {
				t.Fatalf("reply turn = %+v", turn)
			}
			res, _ := e.GetResult(p.DialogueID)
			if res.Confirmed != tt.confirmed {
				t.Errorf("Confirmed = %v, want %v", res.Confirmed, tt.confirmed)
			}
			if tt.reply == "no" {
				if turn.Failure != models.FailureNotConfirmed || len(res.Values) != 0 {
					t.Errorf("after denial turn = %+v, values = %v", turn, res.Values)
				}
				if diff := cmp.Diff([]string{"Sorry about that. What is your date of birth?"}, turn.Prompt.Texts()); diff != "" {
					t.Errorf("notConfirmed prompt mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestEngine_ConstraintViolation(t *testing.T) {
	e := NewEngine(loadCatalog(t))
	defer e.Close()
	p := start(t, e, "dob")

	turn := submit(t, e, p.DialogueID, "february 30th 1990")
	if turn.Outcome != models.OutcomeReprompted || turn.Failure != models.FailureNotConfirmed {
		t.Fatalf("turn = %+v, want notConfirmed re-prompt", turn)
	}
	msgs := turn.Prompt.Messages
	if len(msgs) != 2 || msgs[0].Key != "constraint.real-date" || msgs[0].Text == "" {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].Text != "Sorry about that. What is your date of birth?" {
		t.Errorf("re-prompt = %q", msgs[1].Text)
	}
	res, _ := e.GetResult(p.DialogueID)
	if len(res.Values) != 0 {
		t.Errorf("values kept after violation: %v", res.Values)
	}
}

func TestEngine_ConfirmAlways(t *testing.T) {
	e := newColorEngine(t, models.ConfirmAlways, nil)
	p := start(t, e, "color")

	turn := submit(t, e, p.DialogueID, "color blue")
	if turn.Outcome != models.OutcomeConfirming {
		t.Fatalf("turn = %+v, want confirming", turn)
	}
	if diff := cmp.Diff([]string{"Is this right?", "blue"}, turn.Prompt.Texts()); diff != "" {
		t.Errorf("confirmation mismatch (-want +got):\n%s", diff)
	}

	turn = submit(t, e, p.DialogueID, "hmm")
	if turn.Failure != models.FailureConfirmNoMatch || turn.Phase != models.PhaseConfirming {
		t.Fatalf("unclear reply turn = %+v", turn)
	}
	if diff := cmp.Diff([]string{"Sorry, which color?", "Is this right?", "blue"}, turn.Prompt.Texts()); diff != "" {
		t.Errorf("confirm no-match prompt mismatch (-want +got):\n%s", diff)
	}

	turn = submit(t, e, p.DialogueID, "sì")
	if turn.Outcome != models.OutcomeAccepted {
		t.Fatalf("turn = %+v, want accepted", turn)
	}
	res, _ := e.GetResult(p.DialogueID)
	if !res.Confirmed || res.Values[models.ValueKey] != "blue" || res.Method != models.MethodLLM {
		t.Errorf("result = %+v", res)
	}
}

func TestEngine_NewerUtteranceSupersedes(t *testing.T) {
	started := make(chan struct{}, 1)
	e := newColorEngine(t, models.ConfirmNever, started)
	p := start(t, e, "color")

	errc := make(chan error, 1)
	go func() {
		_, err := e.SubmitUtterance(context.Background(), p.DialogueID, "slow")
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow turn never reached the recognizer")
	}

	turn := submit(t, e, p.DialogueID, "color red")
	if turn.Outcome != models.OutcomeAccepted {
		t.Fatalf("newer turn = %+v, want accepted", turn)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrTurnSuperseded) {
			t.Errorf("superseded turn err = %v, want ErrTurnSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded turn did not return")
	}
	res, _ := e.GetResult(p.DialogueID)
	if res.Values[models.ValueKey] != "red" {
		t.Errorf("values = %v", res.Values)
	}
}

func TestEngine_TurnTimeout(t *testing.T) {
	e := newColorEngine(t, models.ConfirmNever, nil, WithTurnTimeout(20*time.Millisecond))
	got := make(chan models.Turn, 4)
	e.OnTimeout(func(turn models.Turn) { got <- turn })

	p := start(t, e, "color")
	select {
	case turn := <-got:
		if turn.DialogueID != p.DialogueID || turn.Failure != models.FailureNoInput {
			t.Errorf("timeout turn = %+v", turn)
		}
		// The color field authors no noInput step, so the start prompt repeats.
		if diff := cmp.Diff([]string{"Which color?"}, turn.Prompt.Texts()); diff != "" {
			t.Errorf("timeout prompt mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn timeout never fired")
	}
}

func TestEngine_TimerSurvivesCancelledTurn(t *testing.T) {
	e := newColorEngine(t, models.ConfirmNever, nil, WithTurnTimeout(150*time.Millisecond))
	got := make(chan models.Turn, 4)
	e.OnTimeout(func(turn models.Turn) { got <- turn })

	p := start(t, e, "color")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.SubmitUtterance(ctx, p.DialogueID, "blue"); !errors.Is(err, context.Canceled) {
		t.Fatalf("SubmitUtterance with cancelled ctx err = %v, want context.Canceled", err)
	}

	select {
	case turn := <-got:
		if turn.DialogueID != p.DialogueID || turn.Failure != models.FailureNoInput {
			t.Errorf("timeout turn = %+v", turn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no-input timer did not restart after the cancelled turn")
	}
}

func TestEngine_Abandon(t *testing.T) {
	mem := store.NewInMemoryStore()
	e := NewEngine(loadCatalog(t), WithResults(mem))
	defer e.Close()
	p := start(t, e, "email")

	res, err := e.Abandon(context.Background(), p.DialogueID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != models.PhaseAbandoned || res.ConcludedAt == nil {
		t.Errorf("result = %+v", res)
	}
	if _, err := e.Abandon(context.Background(), p.DialogueID); !errors.Is(err, ErrDialogueConcluded) {
		t.Errorf("second Abandon err = %v", err)
	}
	saved, _ := mem.ListResults(context.Background(), "")
	if len(saved) != 1 || saved[0].Phase != models.PhaseAbandoned {
		t.Errorf("saved = %+v", saved)
	}
}

func TestEngine_PruneFinished(t *testing.T) {
	e := NewEngine(loadCatalog(t))
	defer e.Close()
	done := start(t, e, "email")
	open := start(t, e, "dob")
	if _, err := e.Abandon(context.Background(), done.DialogueID); err != nil {
		t.Fatal(err)
	}

	if n := e.PruneFinished(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("PruneFinished(past) = %d", n)
	}
	if n := e.PruneFinished(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("PruneFinished(future) = %d", n)
	}
	if _, err := e.GetResult(done.DialogueID); !errors.Is(err, ErrDialogueNotFound) {
		t.Errorf("GetResult after prune err = %v", err)
	}
	if _, err := e.GetCurrentPrompt(open.DialogueID); err != nil {
		t.Errorf("active dialogue pruned: %v", err)
	}
}

func TestEngine_Errors(t *testing.T) {
	e := NewEngine(loadCatalog(t))
	defer e.Close()
	ctx := context.Background()

	if _, err := e.StartDialogue(ctx, "shoe_size"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("StartDialogue unknown err = %v", err)
	}
	if _, err := e.SubmitUtterance(ctx, "dlg_missing", "hi"); !errors.Is(err, ErrDialogueNotFound) {
		t.Errorf("SubmitUtterance unknown err = %v", err)
	}
	if _, err := e.GetResult("dlg_missing"); !errors.Is(err, ErrDialogueNotFound) {
		t.Errorf("GetResult unknown err = %v", err)
	}
	p := start(t, e, "dob")
	if _, err := e.SubmitUtterance(ctx, p.DialogueID, strings.Repeat("a", models.MaxUtteranceLength+1)); !errors.Is(err, models.ErrUtteranceTooLong) {
		t.Errorf("long utterance err = %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := e.SubmitUtterance(cancelled, p.DialogueID, "march 3rd 1990"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled submit err = %v", err)
	}
	if turn := submit(t, e, p.DialogueID, "march 3rd 1990"); turn.Outcome != models.OutcomeAccepted {
		t.Errorf("turn after cancelled submit = %+v", turn)
	}
}
