package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/wbattistetti/omnia/internal/confirm"
	"github.com/wbattistetti/omnia/internal/constraint"
	"github.com/wbattistetti/omnia/internal/escalation"
	"github.com/wbattistetti/omnia/internal/events"
	"github.com/wbattistetti/omnia/internal/metrics"
	"github.com/wbattistetti/omnia/internal/models"
	"github.com/wbattistetti/omnia/internal/steps"
)

// session is the runtime state of one dialogue instance.
type session struct {
	mu sync.Mutex

	id         string
	templateID string
	root       *models.Field
	steps      *steps.Store
	counters   *escalation.Counters

	phase      models.Phase
	target     string
	values     map[string]any
	confidence float64
	method     models.Method
	confirmed  bool
	prompt     models.Prompt
	startedAt  time.Time

	seq     uint64
	cancel  context.CancelFunc
	timerID string
}

// snapshot is the part of a session a turn reads while resolving outside the
// session lock.
type snapshot struct {
	root       *models.Field
	phase      models.Phase
	target     string
	values     map[string]any
	confidence float64
}

func (s *session) snapshot() snapshot {
	return snapshot{
		root:       s.root,
		phase:      s.phase,
		target:     s.target,
		values:     maps.Clone(s.values),
		confidence: s.confidence,
	}
}

func (s *session) result() models.DialogueResult {
	conf := s.confidence
	if conf < 0 {
		conf = 0
	}
	return models.DialogueResult{
		DialogueID: s.id,
		TemplateID: s.templateID,
		FieldID:    s.root.ID,
		Phase:      s.phase,
		Values:     maps.Clone(s.values),
		Confidence: conf,
		Method:     s.method,
		Confirmed:  s.confirmed,
		StartedAt:  s.startedAt,
	}
}

func (s *session) resetCollection() {
	s.values = make(map[string]any)
	s.confidence = -1
	s.method = ""
	s.confirmed = false
	s.target = s.root.ID
}

type evalKind int

const (
	evalEmpty evalKind = iota
	evalAnswer
	evalNone
	evalPartial
	evalComplete
)

// evaluation is everything a turn computed before it is applied.
type evaluation struct {
	kind       evalKind
	answer     Answer
	values     map[string]any
	added      int
	missing    []string
	confidence float64
	method     models.Method
	below      bool
	check      constraint.Result
	err        error
}

// evaluate resolves an utterance against a snapshot. It never mutates the
// session.
func (e *Engine) evaluate(ctx context.Context, snap snapshot, text string) evaluation {
	if strings.TrimSpace(text) == "" {
		return evaluation{kind: evalEmpty}
	}
	if snap.phase == models.PhaseConfirming {
		return evaluation{kind: evalAnswer, answer: Interpret(text)}
	}

	root := snap.root
	if root.Contract == nil {
		slog.Warn("Engine.evaluate: root field has no contract", "field", root.ID)
		return evaluation{kind: evalNone}
	}

	cand, err := e.resolveTarget(ctx, snap, text)
	if err != nil {
		return evaluation{err: err}
	}
	if !cand.Extracted {
		return evaluation{kind: evalNone}
	}

	ev := evaluation{values: snap.values, confidence: snap.confidence}
	if ev.values == nil {
		ev.values = make(map[string]any)
	}
	for k, v := range cand.Values {
		if old, ok := ev.values[k]; ok && models.SameValue(old, v) {
			continue
		}
		ev.values[k] = v
		ev.added++
	}
	if ev.confidence < 0 || cand.Confidence < ev.confidence {
		ev.confidence = cand.Confidence
	}
	ev.method = cand.Method

	for _, key := range root.Contract.CanonicalKeys() {
		if _, ok := ev.values[key]; !ok {
			ev.missing = append(ev.missing, key)
		}
	}
	if len(ev.missing) > 0 {
		ev.kind = evalPartial
		return ev
	}

	ev.kind = evalComplete
	ev.below = ev.confidence < root.Contract.EffectiveAcceptThreshold()
	ev.check = e.checkConstraints(ctx, root, ev.values)
	return ev
}

// resolveTarget runs extraction for the field the dialogue is currently asking
// for. A sub-field with its own contract is tried first and its value lands on
// the sub-field's canonical key; the root contract is the fallback.
func (e *Engine) resolveTarget(ctx context.Context, snap snapshot, text string) (models.CandidateResult, error) {
	root := snap.root
	if snap.target != root.ID {
		if sub, ok := root.Find(snap.target); ok && sub.Contract != nil {
			cand, err := e.resolver.ResolveField(ctx, sub.ID, sub.Contract, text)
			if err != nil {
				return cand, err
			}
			if v, ok := cand.Values[models.ValueKey]; ok && cand.Extracted {
				cand.Values = map[string]any{root.CanonicalKeyFor(sub.ID): v}
				return cand, nil
			}
		}
	}
	return e.resolver.ResolveField(ctx, root.ID, root.Contract, text)
}

// checkConstraints evaluates the root rules on the full value, then each
// sub-field's rules with "value" bound to that sub-field's part.
func (e *Engine) checkConstraints(ctx context.Context, root *models.Field, values map[string]any) constraint.Result {
	res := e.evaluator.EvaluateAll(ctx, root.Constraints, values)
	if res.Status != constraint.StatusOK {
		return res
	}
	for _, sub := range root.SubFields {
		if len(sub.Constraints) == 0 {
			continue
		}
		key := root.CanonicalKeyFor(sub.ID)
		vars := maps.Clone(values)
		vars[models.ValueKey] = values[key]
		if res := e.evaluator.EvaluateAll(ctx, sub.Constraints, vars); res.Status != constraint.StatusOK {
			return res
		}
	}
	return constraint.OK()
}

// apply moves the session forward with a finished evaluation. Callers hold s.mu.
func (e *Engine) apply(ctx context.Context, s *session, ev evaluation) (models.Turn, error) {
	if s.phase == models.PhaseConfirming {
		return e.applyConfirming(ctx, s, ev)
	}

	switch ev.kind {
	case evalEmpty:
		return e.fail(ctx, s, models.FailureNoInput, nil)
	case evalNone:
		return e.fail(ctx, s, models.FailureNoMatch, nil)
	case evalPartial:
		if ev.added == 0 {
			return e.fail(ctx, s, models.FailureNoMatch, nil)
		}
		e.store(s, ev)
		next := s.root.ID
		for _, sub := range s.root.SubFields {
			if s.root.CanonicalKeyFor(sub.ID) == ev.missing[0] {
				next = sub.ID
				break
			}
		}
		s.target = next
		prompt, err := e.render(ctx, s, next, models.StepStart, 1)
		if errors.Is(err, steps.ErrStepNotFound) && next != s.root.ID {
			prompt, err = e.render(ctx, s, s.root.ID, models.StepStart, 1)
		}
		if err != nil {
			return models.Turn{}, err
		}
		return e.turn(s, models.OutcomePrompted, "", prompt), nil
	}

	metrics.RecordConstraint(string(ev.check.Status))
	switch ev.check.Status {
	case constraint.StatusViolation:
		slog.Info("Engine.apply: constraint violated", "dialogueID", s.id, "rule", ev.check.RuleID, "message", ev.check.Message)
		s.resetCollection()
		var lead []models.PromptMessage
		if ev.check.Message != "" {
			lead = []models.PromptMessage{{Key: "constraint." + ev.check.RuleID, Text: ev.check.Message}}
		}
		return e.fail(ctx, s, models.FailureNotConfirmed, lead)
	case constraint.StatusError:
		slog.Warn("Engine.apply: constraint evaluation failed", "dialogueID", s.id, "rule", ev.check.RuleID, "error", ev.check.Error)
		s.resetCollection()
		return e.fail(ctx, s, models.FailureNoMatch, nil)
	}

	e.store(s, ev)
	conf := ev.confidence
	if !ev.below && !confirm.RequiresConfirmation(s.root.Confirm, &conf) {
		return e.accept(ctx, s)
	}

	prompt, err := e.confirmationPrompt(ctx, s, 1)
	if errors.Is(err, steps.ErrStepNotFound) {
		if ev.below {
			slog.Debug("Engine.apply: value below accept threshold and no confirmation step", "dialogueID", s.id, "confidence", conf)
			s.resetCollection()
			return e.fail(ctx, s, models.FailureNoMatch, nil)
		}
		slog.Warn("Engine.apply: confirmation required but field has no confirmation step, accepting", "dialogueID", s.id, "field", s.root.ID)
		return e.accept(ctx, s)
	}
	if err != nil {
		return models.Turn{}, err
	}
	s.phase = models.PhaseConfirming
	return e.turn(s, models.OutcomeConfirming, "", prompt), nil
}

func (e *Engine) applyConfirming(ctx context.Context, s *session, ev evaluation) (models.Turn, error) {
	if ev.kind == evalEmpty {
		return e.fail(ctx, s, models.FailureConfirmNoInput, nil)
	}
	switch ev.answer {
	case AnswerYes:
		s.confirmed = true
		return e.accept(ctx, s)
	case AnswerNo:
		s.resetCollection()
		s.phase = models.PhaseCollecting
		return e.fail(ctx, s, models.FailureNotConfirmed, nil)
	default:
		return e.fail(ctx, s, models.FailureConfirmNoMatch, nil)
	}
}

func (e *Engine) store(s *session, ev evaluation) {
	s.values = ev.values
	s.confidence = ev.confidence
	if s.method == "" {
		s.method = ev.method
	}
}

// fail advances the counter of kind and re-prompts, or exhausts the dialogue
// once the counter has run out. lead is shown before the re-prompt.
func (e *Engine) fail(ctx context.Context, s *session, kind models.FailureKind, lead []models.PromptMessage) (models.Turn, error) {
	strategy := s.root.StrategyFor(kind)
	if t, ok := s.root.Find(s.target); ok && t.Escalation[kind] != "" {
		strategy = t.Escalation[kind]
	}
	level, exhausted := s.counters.Advance(kind, strategy)
	metrics.RecordEscalation(string(kind), exhausted)
	if exhausted {
		return e.exhaust(ctx, s, kind), nil
	}

	stepType := escalation.StepFor(kind)
	prompt, err := e.render(ctx, s, s.target, stepType, level)
	if errors.Is(err, steps.ErrStepNotFound) && s.target != s.root.ID {
		prompt, err = e.render(ctx, s, s.root.ID, stepType, level)
	}
	if errors.Is(err, steps.ErrStepNotFound) {
		slog.Debug("Engine.fail: no step for failure, repeating start", "dialogueID", s.id, "kind", kind)
		prompt, err = e.render(ctx, s, s.target, models.StepStart, 1)
	}
	if err != nil {
		return models.Turn{}, err
	}
	if kind == models.FailureConfirmNoInput || kind == models.FailureConfirmNoMatch {
		if again, err := e.confirmationPrompt(ctx, s, 1); err == nil {
			prompt.Messages = append(prompt.Messages, again.Messages...)
		}
	}
	prompt.Messages = append(lead, prompt.Messages...)
	return e.turn(s, models.OutcomeReprompted, kind, prompt), nil
}

func (e *Engine) accept(ctx context.Context, s *session) (models.Turn, error) {
	prompt, err := e.render(ctx, s, s.root.ID, models.StepSuccess, 1)
	if errors.Is(err, steps.ErrStepNotFound) {
		prompt, err = models.Prompt{DialogueID: s.id, FieldID: s.root.ID, StepType: models.StepSuccess}, nil
	}
	if err != nil {
		return models.Turn{}, err
	}
	s.phase = models.PhaseCompleted
	turn := e.turn(s, models.OutcomeAccepted, "", prompt)
	res := e.conclude(ctx, s)
	e.publish(ctx, events.TypeCompleted, res, "")
	return turn, nil
}

func (e *Engine) exhaust(ctx context.Context, s *session, kind models.FailureKind) models.Turn {
	s.phase = models.PhaseExhausted
	prompt := models.Prompt{DialogueID: s.id, FieldID: s.target, StepType: escalation.StepFor(kind)}
	text, err := e.translations.Lookup(ctx, HandoffKey)
	if err != nil {
		text = DefaultHandoffText
	}
	prompt.Messages = []models.PromptMessage{{Key: HandoffKey, Text: text}}
	turn := e.turn(s, models.OutcomeExhausted, kind, prompt)
	res := e.conclude(ctx, s)
	e.publish(ctx, events.TypeEscalationExhausted, res, kind)
	slog.Info("Engine.exhaust: escalation exhausted", "dialogueID", s.id, "kind", kind)
	return turn
}

func (e *Engine) turn(s *session, outcome models.Outcome, failure models.FailureKind, prompt models.Prompt) models.Turn {
	s.prompt = prompt
	return models.Turn{
		DialogueID: s.id,
		Outcome:    outcome,
		Failure:    failure,
		Phase:      s.phase,
		Prompt:     prompt,
	}
}

// confirmationPrompt renders the root confirmation step followed by the value
// being confirmed.
func (e *Engine) confirmationPrompt(ctx context.Context, s *session, level int) (models.Prompt, error) {
	prompt, err := e.render(ctx, s, s.root.ID, models.StepConfirmation, level)
	if err != nil {
		return models.Prompt{}, err
	}
	prompt.Messages = append(prompt.Messages, models.PromptMessage{
		Key:  models.ValueKey,
		Text: formatValues(s.root, s.values),
	})
	return prompt, nil
}

// render resolves the escalation of fieldID's step at level into a prompt.
// Missing translations fall back to the key itself.
func (e *Engine) render(ctx context.Context, s *session, fieldID string, stepType models.StepType, level int) (models.Prompt, error) {
	step, err := s.steps.GetStep(ctx, fieldID, stepType)
	if err != nil {
		return models.Prompt{}, err
	}
	level = step.ClampLevel(level)
	esc, ok := step.Escalation(level)
	if !ok {
		return models.Prompt{}, fmt.Errorf("%w: %s/%s has no escalations", steps.ErrStepNotFound, fieldID, stepType)
	}
	prompt := models.Prompt{DialogueID: s.id, FieldID: fieldID, StepType: stepType, Level: level}
	for _, action := range esc.Actions {
		if action.TextKey == "" {
			continue
		}
		text, err := e.translations.Lookup(ctx, action.TextKey)
		if err != nil {
			slog.Warn("Engine.render: translation missing, using key", "key", action.TextKey, "error", err)
			text = action.TextKey
		}
		prompt.Messages = append(prompt.Messages, models.PromptMessage{Key: action.TextKey, Text: text})
	}
	return prompt, nil
}

// formatValues renders collected values in canonical key order.
func formatValues(root *models.Field, values map[string]any) string {
	keys := root.CanonicalKeys()
	if root.Contract != nil {
		keys = root.Contract.CanonicalKeys()
	}
	if len(keys) == 1 {
		return fmt.Sprint(values[keys[0]])
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v))
		}
	}
	return strings.Join(parts, ", ")
}
