// Package models defines the core data structures shared by the dialogue engine.
//
// It includes the declarative field tree authored in the catalog, the assembled
// step structures, extraction contracts and the API envelope.
package models

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepType identifies one phase of a field's dialogue.
type StepType string

// Step type constants. The set is closed.
const (
	StepStart        StepType = "start"
	StepNoInput      StepType = "noInput"
	StepNoMatch      StepType = "noMatch"
	StepConfirmation StepType = "confirmation"
	StepNotConfirmed StepType = "notConfirmed"
	StepSuccess      StepType = "success"
	StepIntroduction StepType = "introduction"
)

// AllStepTypes returns every step type in canonical order.
func AllStepTypes() []StepType {
	return []StepType{
		StepIntroduction,
		StepStart,
		StepNoInput,
		StepNoMatch,
		StepConfirmation,
		StepNotConfirmed,
		StepSuccess,
	}
}

// Valid reports whether s is one of the known step types.
func (s StepType) Valid() bool {
	switch s {
	case StepStart, StepNoInput, StepNoMatch, StepConfirmation, StepNotConfirmed, StepSuccess, StepIntroduction:
		return true
	default:
		return false
	}
}

// FailureKind names one of the five escalation counters kept per field instance.
type FailureKind string

const (
	FailureNoInput        FailureKind = "noInput"
	FailureNoMatch        FailureKind = "noMatch"
	FailureConfirmNoInput FailureKind = "confirmNoInput"
	FailureConfirmNoMatch FailureKind = "confirmNoMatch"
	FailureNotConfirmed   FailureKind = "notConfirmed"
)

// AllFailureKinds returns the five counter kinds in a stable order.
func AllFailureKinds() []FailureKind {
	return []FailureKind{
		FailureNoInput,
		FailureNoMatch,
		FailureConfirmNoInput,
		FailureConfirmNoMatch,
		FailureNotConfirmed,
	}
}

// EscalationStrategy selects how an escalation counter advances.
type EscalationStrategy string

const (
	// StrategyProgressive increases severity and saturates at the last level.
	StrategyProgressive EscalationStrategy = "progressive"
	// StrategyRotate cycles through the levels for variety.
	StrategyRotate EscalationStrategy = "rotate"
)

// ConfirmMode selects the pre-confirmation policy of a field.
type ConfirmMode string

const (
	ConfirmNever     ConfirmMode = "never"
	ConfirmAlways    ConfirmMode = "always"
	ConfirmThreshold ConfirmMode = "threshold"
)

// DefaultConfirmThreshold is the confidence threshold used when a field does not set one.
const DefaultConfirmThreshold = 0.7

// ConfirmPolicy is the declarative pre-confirmation policy of a field.
type ConfirmPolicy struct {
	Mode      ConfirmMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Threshold float64     `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// EffectiveThreshold returns the configured threshold or the default.
func (p ConfirmPolicy) EffectiveThreshold() float64 {
	if p.Threshold <= 0 {
		return DefaultConfirmThreshold
	}
	return p.Threshold
}

// ConstraintRule is a declarative validation rule attached to a field.
// Exactly one of Predicate or Script is set.
type ConstraintRule struct {
	ID        string         `json:"id" yaml:"id"`
	Predicate string         `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Script    string         `json:"script,omitempty" yaml:"script,omitempty"`
	Message   string         `json:"message,omitempty" yaml:"message,omitempty"`
}

// PromptRef is one authored prompt: either literal text or a reference to an
// existing translation key.
type PromptRef struct {
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
	Ref  string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Text builds a literal prompt.
func Text(s string) PromptRef { return PromptRef{Text: s} }

// Ref builds a prompt that points at an existing translation key.
func Ref(key string) PromptRef { return PromptRef{Ref: key} }

// IsRef reports whether the prompt is a translation key reference.
func (p PromptRef) IsRef() bool { return p.Ref != "" }

// UnmarshalYAML accepts either a bare string or a {text|ref} mapping.
func (p *PromptRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Text = value.Value
		p.Ref = ""
		return nil
	}
	type plain PromptRef
	var raw plain
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = PromptRef(raw)
	return nil
}

// PromptLevel is the ordered list of prompts of one escalation level.
type PromptLevel []PromptRef

// Field is a named datum to collect via dialogue.
type Field struct {
	ID          string                             `json:"id" yaml:"id"`
	Label       string                             `json:"label,omitempty" yaml:"label,omitempty"`
	SubFields   []Field                            `json:"subFields,omitempty" yaml:"subFields,omitempty"`
	Contract    *ExtractionContract                `json:"contract,omitempty" yaml:"contract,omitempty"`
	Prompts     map[StepType][]PromptLevel         `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	Constraints []ConstraintRule                   `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Confirm     ConfirmPolicy                      `json:"confirm,omitempty" yaml:"confirm,omitempty"`
	Escalation  map[FailureKind]EscalationStrategy `json:"escalation,omitempty" yaml:"escalation,omitempty"`
}

// IsComposite reports whether the field has sub-fields.
func (f *Field) IsComposite() bool {
	return len(f.SubFields) > 0
}

// Walk visits f and every sub-field depth-first, parents before children.
// Returning a non-nil error stops the walk.
func (f *Field) Walk(fn func(*Field) error) error {
	if err := fn(f); err != nil {
		return err
	}
	for i := range f.SubFields {
		if err := f.SubFields[i].Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the field with the given ID inside the tree rooted at f.
func (f *Field) Find(id string) (*Field, bool) {
	var found *Field
	_ = f.Walk(func(c *Field) error {
		if c.ID == id {
			found = c
			return errStopWalk
		}
		return nil
	})
	return found, found != nil
}

// StrategyFor returns the escalation strategy configured for kind.
func (f *Field) StrategyFor(kind FailureKind) EscalationStrategy {
	if s, ok := f.Escalation[kind]; ok && s != "" {
		return s
	}
	return StrategyProgressive
}

// CanonicalKeys returns the keys a complete extraction must fill, in sub-field order.
// Atomic fields use the single key "value".
func (f *Field) CanonicalKeys() []string {
	if !f.IsComposite() {
		return []string{ValueKey}
	}
	keys := make([]string, 0, len(f.SubFields))
	for _, sub := range f.SubFields {
		keys = append(keys, f.CanonicalKeyFor(sub.ID))
	}
	return keys
}

// CanonicalKeyFor returns the canonical key populated by the given sub-field.
// Without an explicit mapping the sub-field ID is used.
func (f *Field) CanonicalKeyFor(subFieldID string) string {
	if f.Contract != nil {
		if key, ok := f.Contract.SubFieldMapping[subFieldID]; ok && key != "" {
			return key
		}
	}
	return subFieldID
}

// ValueKey is the canonical key of an atomic field's value.
const ValueKey = "value"

var errStopWalk = errors.New("stop walk")

// CheckAcyclic verifies that no field ID repeats along the tree, which is how a
// cycle manifests once a catalog has been materialized into values.
func (f *Field) CheckAcyclic() error {
	seen := make(map[string]bool)
	return f.Walk(func(c *Field) error {
		if c.ID == "" {
			return fmt.Errorf("field without id")
		}
		if seen[c.ID] {
			return fmt.Errorf("field id %q appears more than once", c.ID)
		}
		seen[c.ID] = true
		return nil
	})
}
