// Package dialogue drives slot-filling dialogues: it asks for a field, routes
// every utterance through extraction and validation, escalates re-prompts on
// failure and hands off a canonical result.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wbattistetti/omnia/internal/catalog"
	"github.com/wbattistetti/omnia/internal/constraint"
	"github.com/wbattistetti/omnia/internal/escalation"
	"github.com/wbattistetti/omnia/internal/events"
	"github.com/wbattistetti/omnia/internal/extraction"
	"github.com/wbattistetti/omnia/internal/metrics"
	"github.com/wbattistetti/omnia/internal/models"
	"github.com/wbattistetti/omnia/internal/steps"
	"github.com/wbattistetti/omnia/internal/store"
	"github.com/wbattistetti/omnia/internal/util"
)

var (
	// ErrDialogueNotFound is returned for unknown dialogue ids.
	ErrDialogueNotFound = errors.New("dialogue not found")
	// ErrDialogueConcluded is returned when a concluded dialogue receives input.
	ErrDialogueConcluded = errors.New("dialogue already concluded")
	// ErrUnknownField is returned when no template defines the requested field.
	ErrUnknownField = errors.New("unknown field")
	// ErrTurnSuperseded is returned to a turn whose result was discarded because
	// a newer utterance (or an abandonment) arrived while it was resolving.
	ErrTurnSuperseded = errors.New("turn superseded by a newer utterance")
)

const (
	// HandoffKey is the translation key of the message sent when escalation is
	// exhausted and the conversation goes to a human.
	HandoffKey = "omnia.handoff"
	// DefaultHandoffText is used when no translation for HandoffKey exists.
	DefaultHandoffText = "I'm sorry I couldn't get that. A member of our team will continue with you shortly."
)

// DialogueEngine is the caller-facing API of the engine.
type DialogueEngine interface {
	StartDialogue(ctx context.Context, fieldID string) (models.Prompt, error)
	SubmitUtterance(ctx context.Context, dialogueID, text string) (models.Turn, error)
	GetCurrentPrompt(dialogueID string) (models.Prompt, error)
	GetResult(dialogueID string) (models.DialogueResult, error)
	Abandon(ctx context.Context, dialogueID string) (models.DialogueResult, error)
}

// Templates resolves a template id or root field id to an authored template.
type Templates interface {
	Get(id string) (catalog.Template, bool)
}

// Opts holds the collaborators of an Engine.
type Opts struct {
	Resolver     *extraction.Resolver
	Evaluator    *constraint.Evaluator
	Translations store.TranslationStore
	Results      store.ResultStore
	Publisher    events.Publisher
	Timer        Timer
	TurnTimeout  time.Duration
	Now          func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithResolver sets the extraction resolver.
func WithResolver(r *extraction.Resolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithEvaluator sets the constraint evaluator.
func WithEvaluator(ev *constraint.Evaluator) Option {
	return func(o *Opts) { o.Evaluator = ev }
}

// WithTranslations sets the store translation keys are written to and
// resolved from.
func WithTranslations(ts store.TranslationStore) Option {
	return func(o *Opts) { o.Translations = ts }
}

// WithResults sets where concluded results are saved.
func WithResults(rs store.ResultStore) Option {
	return func(o *Opts) { o.Results = rs }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithTurnTimeout enables the no-input timer: when no utterance arrives within
// d, the engine records a noInput event on its own.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

// WithTimer replaces the timer used for turn timeouts.
func WithTimer(t Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

type finished struct {
	result models.DialogueResult
	prompt models.Prompt
}

// Engine implements DialogueEngine. It is safe for concurrent use; turns of
// the same dialogue are serialized and a newer utterance supersedes an older
// one still resolving.
type Engine struct {
	templates    Templates
	resolver     *extraction.Resolver
	evaluator    *constraint.Evaluator
	translations store.TranslationStore
	results      store.ResultStore
	publisher    events.Publisher
	timer        Timer
	turnTimeout  time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*session
	finished  map[string]finished
	onTimeout func(models.Turn)
}

// Compile-time check that Engine implements DialogueEngine.
var _ DialogueEngine = (*Engine)(nil)

// NewEngine creates an engine over templates. Without options it recognizes
// with the local rules and regex backends and keeps everything in memory.
func NewEngine(templates Templates, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = extraction.NewResolver(
			extraction.WithRecognizer(models.MethodRules, extraction.NewRulesRecognizer(nil)),
			extraction.WithRecognizer(models.MethodRegex, extraction.NewRegexRecognizer()),
		)
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = constraint.NewEvaluator()
	}
	if cfg.Translations == nil || cfg.Results == nil {
		mem := store.NewInMemoryStore()
		if cfg.Translations == nil {
			cfg.Translations = mem
		}
		if cfg.Results == nil {
			cfg.Results = mem
		}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Noop{}
	}
	if cfg.Timer == nil {
		cfg.Timer = NewSimpleTimer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		templates:    templates,
		resolver:     cfg.Resolver,
		evaluator:    cfg.Evaluator,
		translations: cfg.Translations,
		results:      cfg.Results,
		publisher:    cfg.Publisher,
		timer:        cfg.Timer,
		turnTimeout:  cfg.TurnTimeout,
		now:          cfg.Now,
		sessions:     make(map[string]*session),
		finished:     make(map[string]finished),
	}
}

// OnTimeout registers fn to receive the turns produced by the no-input timer.
func (e *Engine) OnTimeout(fn func(models.Turn)) {
	e.mu.Lock()
	e.onTimeout = fn
	e.mu.Unlock()
}

// StartDialogue opens a dialogue for the template or root field fieldID and
// returns its first prompt.
func (e *Engine) StartDialogue(ctx context.Context, fieldID string) (models.Prompt, error) {
	tpl, ok := e.templates.Get(fieldID)
	if !ok {
		return models.Prompt{}, fmt.Errorf("%w: %s", ErrUnknownField, fieldID)
	}

	st := steps.NewStore(tpl.Field, tpl.ID, e.translations)
	root := st.Field()
	s := &session{
		id:         util.GenerateDialogueID(),
		templateID: tpl.ID,
		root:       &root,
		steps:      st,
		counters:   escalation.NewCounters(),
		phase:      models.PhaseCollecting,
		target:     root.ID,
		values:     make(map[string]any),
		confidence: -1,
		startedAt:  e.now(),
	}

	prompt, err := e.render(ctx, s, root.ID, models.StepStart, 1)
	if err != nil {
		slog.Error("Engine.StartDialogue: failed to render start step", "field", root.ID, "error", err)
		return models.Prompt{}, err
	}
	if intro, err := e.render(ctx, s, root.ID, models.StepIntroduction, 1); err == nil {
		prompt.Messages = append(intro.Messages, prompt.Messages...)
	} else if !errors.Is(err, steps.ErrStepNotFound) {
		return models.Prompt{}, err
	}

	s.mu.Lock()
	s.prompt = prompt
	e.armTimer(s)
	s.mu.Unlock()

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	metrics.RecordDialogueStarted()
	slog.Info("Engine.StartDialogue: dialogue started", "dialogueID", s.id, "template", tpl.ID, "field", root.ID)
	return prompt, nil
}

// SubmitUtterance processes one user utterance. An empty text is a no-input
// event. Per-turn failures are reported through the returned Turn; errors are
// reserved for unknown or concluded dialogues, superseded turns, cancelled
// contexts and authoring errors.
func (e *Engine) SubmitUtterance(ctx context.Context, dialogueID, text string) (models.Turn, error) {
	if len(text) > models.MaxUtteranceLength {
		return models.Turn{}, models.ErrUtteranceTooLong
	}
	return e.submit(ctx, dialogueID, text, nil)
}

// GetCurrentPrompt returns what the user should be shown next. For concluded
// dialogues it is the final prompt.
func (e *Engine) GetCurrentPrompt(dialogueID string) (models.Prompt, error) {
	e.mu.RLock()
	s, active := e.sessions[dialogueID]
	done, concluded := e.finished[dialogueID]
	e.mu.RUnlock()
	switch {
	case active:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.prompt, nil
	case concluded:
		return done.prompt, nil
	default:
		return models.Prompt{}, fmt.Errorf("%w: %s", ErrDialogueNotFound, dialogueID)
	}
}

// GetResult returns the dialogue result. Active dialogues report the values
// collected so far with a nil ConcludedAt.
func (e *Engine) GetResult(dialogueID string) (models.DialogueResult, error) {
	e.mu.RLock()
	s, active := e.sessions[dialogueID]
	done, concluded := e.finished[dialogueID]
	e.mu.RUnlock()
	switch {
	case active:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result(), nil
	case concluded:
		return done.result, nil
	default:
		return models.DialogueResult{}, fmt.Errorf("%w: %s", ErrDialogueNotFound, dialogueID)
	}
}

// Abandon concludes an active dialogue without a value. A turn still
// resolving is discarded.
func (e *Engine) Abandon(ctx context.Context, dialogueID string) (models.DialogueResult, error) {
	s, err := e.session(dialogueID)
	if err != nil {
		return models.DialogueResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Concluded() {
		return models.DialogueResult{}, fmt.Errorf("%w: %s", ErrDialogueConcluded, dialogueID)
	}
	s.seq++
	s.phase = models.PhaseAbandoned
	s.prompt = models.Prompt{DialogueID: s.id, FieldID: s.root.ID}
	res := e.conclude(ctx, s)
	slog.Info("Engine.Abandon: dialogue abandoned", "dialogueID", dialogueID)
	return res, nil
}

// Active returns how many dialogues are in progress.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// PruneFinished forgets dialogues concluded before the cutoff. Their results
// stay in the result store; the ids report ErrDialogueNotFound afterwards.
func (e *Engine) PruneFinished(before time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, f := range e.finished {
		if at := f.result.ConcludedAt; at != nil && at.Before(before) {
			delete(e.finished, id)
			n++
		}
	}
	if n > 0 {
		slog.Debug("Engine.PruneFinished: dropped concluded dialogues", "count", n, "remaining", len(e.finished))
	}
	return n
}

// Close stops pending turn timers.
func (e *Engine) Close() {
	e.timer.Stop()
}

func (e *Engine) session(id string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	if _, ok := e.finished[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDialogueConcluded, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrDialogueNotFound, id)
}

// submit runs one turn. When expect is set the turn comes from the timer and
// only applies if no other turn started since the timer was armed.
func (e *Engine) submit(ctx context.Context, dialogueID, text string, expect *uint64) (models.Turn, error) {
	s, err := e.session(dialogueID)
	if err != nil {
		return models.Turn{}, err
	}

	s.mu.Lock()
	if s.phase.Concluded() {
		s.mu.Unlock()
		return models.Turn{}, fmt.Errorf("%w: %s", ErrDialogueConcluded, dialogueID)
	}
	if expect != nil && *expect != s.seq {
		s.mu.Unlock()
		return models.Turn{}, ErrTurnSuperseded
	}
	s.seq++
	seq := s.seq
	if s.cancel != nil {
		s.cancel()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	e.disarmTimer(s)
	snap := s.snapshot()
	s.mu.Unlock()

	ev := e.evaluate(turnCtx, snap, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq || s.phase.Concluded() {
		slog.Debug("Engine.SubmitUtterance: discarding superseded turn", "dialogueID", dialogueID, "seq", seq)
		return models.Turn{}, ErrTurnSuperseded
	}
	s.cancel = nil
	if ev.err != nil {
		slog.Debug("Engine.SubmitUtterance: turn cancelled", "dialogueID", dialogueID, "error", ev.err)
		// The prompt in force is unchanged, so its no-input timer restarts.
		e.armTimer(s)
		return models.Turn{}, ev.err
	}

	turn, err := e.apply(ctx, s, ev)
	if err != nil {
		slog.Error("Engine.SubmitUtterance: turn failed", "dialogueID", dialogueID, "error", err)
		if !s.phase.Concluded() {
			e.armTimer(s)
		}
		return models.Turn{}, err
	}
	if !s.phase.Concluded() {
		e.armTimer(s)
	}
	slog.Debug("Engine.SubmitUtterance: turn applied", "dialogueID", dialogueID, "outcome", turn.Outcome, "failure", turn.Failure, "phase", turn.Phase)
	return turn, nil
}

// armTimer schedules the no-input timer. Callers hold s.mu.
func (e *Engine) armTimer(s *session) {
	if e.turnTimeout <= 0 {
		return
	}
	seq, id := s.seq, s.id
	tid, err := e.timer.ScheduleAfter(e.turnTimeout, func() {
		turn, err := e.submit(context.Background(), id, "", &seq)
		if err != nil {
			slog.Debug("Engine: turn timeout ignored", "dialogueID", id, "error", err)
			return
		}
		slog.Info("Engine: turn timed out", "dialogueID", id, "outcome", turn.Outcome)
		e.mu.RLock()
		fn := e.onTimeout
		e.mu.RUnlock()
		if fn != nil {
			fn(turn)
		}
	})
	if err != nil {
		slog.Warn("Engine: failed to arm turn timer", "dialogueID", id, "error", err)
		return
	}
	s.timerID = tid
}

// disarmTimer cancels the pending no-input timer. Callers hold s.mu.
func (e *Engine) disarmTimer(s *session) {
	if s.timerID == "" {
		return
	}
	_ = e.timer.Cancel(s.timerID)
	s.timerID = ""
}

// conclude records the final result and discards the session's counters and
// step cache. Callers hold s.mu.
func (e *Engine) conclude(ctx context.Context, s *session) models.DialogueResult {
	now := e.now()
	res := s.result()
	res.ConcludedAt = &now

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	e.disarmTimer(s)
	s.counters = nil
	s.steps = nil

	e.mu.Lock()
	delete(e.sessions, s.id)
	e.finished[s.id] = finished{result: res, prompt: s.prompt}
	e.mu.Unlock()

	if err := e.results.SaveResult(context.WithoutCancel(ctx), res); err != nil {
		slog.Error("Engine.conclude: failed to save result", "dialogueID", s.id, "error", err)
	}
	metrics.RecordDialogueConcluded(string(s.phase))
	slog.Info("Engine.conclude: dialogue concluded", "dialogueID", s.id, "phase", s.phase, "values", res.Values)
	return res
}

func (e *Engine) publish(ctx context.Context, typ events.Type, res models.DialogueResult, failure models.FailureKind) {
	ev := events.Event{
		Type:       typ,
		DialogueID: res.DialogueID,
		TemplateID: res.TemplateID,
		FieldID:    res.FieldID,
		Failure:    failure,
		Result:     res,
		At:         e.now(),
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("Engine.publish: failed to publish event", "type", typ, "dialogueID", res.DialogueID, "error", err)
	}
}
