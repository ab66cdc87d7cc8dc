// Package steps provides the flat, keyed store of assembled dialogue steps.
//
// The nested field tree stays the authored source of truth; the store is a
// derived cache that assembles steps lazily and can be rebuilt at any time.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/wbattistetti/omnia/internal/assembly"
	"github.com/wbattistetti/omnia/internal/models"
)

var (
	// ErrStepNotFound is returned when the field authors no prompts for a step type.
	ErrStepNotFound = errors.New("step not found")
	// ErrFieldNotFound is returned when the field is not part of the store's tree.
	ErrFieldNotFound = errors.New("field not found")
)

// TranslationSink receives translation entries generated by assembly.
type TranslationSink interface {
	PutTranslations(ctx context.Context, entries []models.TranslationEntry) error
}

// Store is the flat step store of one field tree. It is safe for concurrent use;
// concurrent lookups of the same missing step share a single assembly.
type Store struct {
	owner string
	sink  TranslationSink

	mu    sync.RWMutex
	root  models.Field
	steps map[models.StepKey]models.DialogueStep
	gen   map[string]uint64

	group      singleflight.Group
	assemblies atomic.Int64
}

// NewStore creates a store over a private copy of root. Steps are assembled with
// ownerDialogueID as key prefix. sink may be nil.
func NewStore(root models.Field, ownerDialogueID string, sink TranslationSink) *Store {
	return &Store{
		owner: ownerDialogueID,
		sink:  sink,
		root:  cloneField(root),
		steps: make(map[models.StepKey]models.DialogueStep),
		gen:   make(map[string]uint64),
	}
}

// GetStep returns the step of fieldID for stepType, assembling it on first use.
func (s *Store) GetStep(ctx context.Context, fieldID string, stepType models.StepType) (models.DialogueStep, error) {
	key := models.StepKey{FieldID: fieldID, StepType: stepType}
	s.mu.RLock()
	step, ok := s.steps[key]
	s.mu.RUnlock()
	if ok {
		return step, nil
	}

	v, err, shared := s.group.Do(key.String(), func() (any, error) {
		return s.materialize(ctx, key)
	})
	if err != nil {
		return models.DialogueStep{}, err
	}
	step, ok = v.(models.DialogueStep)
	if !ok {
		return models.DialogueStep{}, fmt.Errorf("unexpected type from step assembly: %T", v)
	}
	if shared {
		slog.Debug("Store.GetStep: shared in-flight assembly", "key", key)
	}
	return step, nil
}

func (s *Store) materialize(ctx context.Context, key models.StepKey) (models.DialogueStep, error) {
	s.mu.RLock()
	if step, ok := s.steps[key]; ok {
		s.mu.RUnlock()
		return step, nil
	}
	field, ok := s.root.Find(key.FieldID)
	if !ok {
		s.mu.RUnlock()
		return models.DialogueStep{}, fmt.Errorf("%w: %s", ErrFieldNotFound, key.FieldID)
	}
	levels, ok := field.Prompts[key.StepType]
	gen := s.gen[key.FieldID]
	s.mu.RUnlock()
	if !ok {
		return models.DialogueStep{}, fmt.Errorf("%w: %s", ErrStepNotFound, key)
	}

	res, err := assembly.AssembleStep(key.FieldID, key.StepType, levels, s.owner)
	if err != nil {
		return models.DialogueStep{}, err
	}
	s.assemblies.Add(1)
	slog.Debug("Store.materialize: step assembled", "key", key, "escalations", len(res.Step.Escalations), "entries", len(res.Entries))

	if s.sink != nil && len(res.Entries) > 0 {
		if err := s.sink.PutTranslations(context.WithoutCancel(ctx), res.Entries); err != nil {
			slog.Warn("Store.materialize: failed to persist translation entries", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	if s.gen[key.FieldID] == gen {
		s.steps[key] = res.Step
	}
	s.mu.Unlock()
	return res.Step, nil
}

// PutStep stores an already assembled step.
func (s *Store) PutStep(step models.DialogueStep) {
	s.mu.Lock()
	s.steps[step.Key()] = step
	s.mu.Unlock()
}

// Load stores every step of an assembled tree.
func (s *Store) Load(tree models.StepTree) {
	for _, step := range FlattenFromNestedTree(tree) {
		s.PutStep(step)
	}
}

// Invalidate drops every cached step of fieldID. Assemblies already in flight
// for the field are not cached when they complete.
func (s *Store) Invalidate(fieldID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen[fieldID]++
	for key := range s.steps {
		if key.FieldID == fieldID {
			delete(s.steps, key)
			s.group.Forget(key.String())
		}
	}
	for _, st := range models.AllStepTypes() {
		s.group.Forget(models.StepKey{FieldID: fieldID, StepType: st}.String())
	}
}

// UpdatePrompts replaces the authored prompts of fieldID and invalidates its steps.
func (s *Store) UpdatePrompts(fieldID string, prompts map[models.StepType][]models.PromptLevel) error {
	s.mu.Lock()
	field, ok := s.root.Find(fieldID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFieldNotFound, fieldID)
	}
	field.Prompts = clonePrompts(prompts)
	s.mu.Unlock()
	s.Invalidate(fieldID)
	return nil
}

// Steps returns a snapshot of the cached steps ordered by field and step type.
func (s *Store) Steps() []models.DialogueStep {
	s.mu.RLock()
	out := make([]models.DialogueStep, 0, len(s.steps))
	for _, step := range s.steps {
		out = append(out, step)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerFieldID != out[j].OwnerFieldID {
			return out[i].OwnerFieldID < out[j].OwnerFieldID
		}
		return out[i].StepType < out[j].StepType
	})
	return out
}

// Assemblies returns how many steps this store has assembled.
func (s *Store) Assemblies() int64 {
	return s.assemblies.Load()
}

// Field returns a copy of the field tree the store assembles from.
func (s *Store) Field() models.Field {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneField(s.root)
}

func cloneField(f models.Field) models.Field {
	out := f
	out.Prompts = clonePrompts(f.Prompts)
	if f.SubFields != nil {
		out.SubFields = make([]models.Field, len(f.SubFields))
		for i, sub := range f.SubFields {
			out.SubFields[i] = cloneField(sub)
		}
	}
	return out
}

func clonePrompts(in map[models.StepType][]models.PromptLevel) map[models.StepType][]models.PromptLevel {
	if in == nil {
		return nil
	}
	out := make(map[models.StepType][]models.PromptLevel, len(in))
	for st, levels := range in {
		cp := make([]models.PromptLevel, len(levels))
		for i, lvl := range levels {
			cp[i] = append(models.PromptLevel(nil), lvl...)
		}
		out[st] = cp
	}
	return out
}
