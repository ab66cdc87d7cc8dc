package models

import "fmt"

// ActionSayMessage is the action carried by authored prompts.
const ActionSayMessage = "sayMessage"

// ActionInstance is one prompt or action inside an escalation.
type ActionInstance struct {
	ID      string            `json:"id"`
	Action  string            `json:"action"`
	TextKey string            `json:"textKey"`
	Params  map[string]string `json:"params,omitempty"`
}

// Escalation is one severity level of a step. Index is 1-based.
type Escalation struct {
	Index   int              `json:"index"`
	Actions []ActionInstance `json:"actions"`
}

// DialogueStep is the flat, directly addressable form of an assembled step.
type DialogueStep struct {
	ID                 string       `json:"id"`
	OwnerFieldID       string       `json:"ownerFieldId"`
	StepType           StepType     `json:"stepType"`
	Escalations        []Escalation `json:"escalations"`
	IsSingleEscalation bool         `json:"isSingleEscalation,omitempty"`
}

// StepKey is the composite lookup key of a flat step.
type StepKey struct {
	FieldID  string
	StepType StepType
}

// Key returns the composite lookup key of the step.
func (s DialogueStep) Key() StepKey {
	return StepKey{FieldID: s.OwnerFieldID, StepType: s.StepType}
}

// String renders the key as "fieldID/stepType".
func (k StepKey) String() string {
	return fmt.Sprintf("%s/%s", k.FieldID, k.StepType)
}

// Escalation returns the escalation at the 1-based level. Callers clamp first;
// out of range levels report false.
func (s DialogueStep) Escalation(level int) (Escalation, bool) {
	if level < 1 || level > len(s.Escalations) {
		return Escalation{}, false
	}
	return s.Escalations[level-1], true
}

// ClampLevel bounds a 1-based level to the escalations the step declares.
func (s DialogueStep) ClampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > len(s.Escalations) {
		return len(s.Escalations)
	}
	return level
}

// StepTree is the nested, per-field form of assembled steps.
type StepTree struct {
	FieldID   string                    `json:"fieldId"`
	Steps     map[StepType]DialogueStep `json:"steps,omitempty"`
	SubFields []StepTree                `json:"subFields,omitempty"`
}

// TranslationEntry is a generated translation key with its default text.
type TranslationEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
