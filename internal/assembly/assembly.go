// Package assembly turns a field's declarative prompt lists into runtime steps
// with stable translation keys.
//
// Assembly is pure: it never talks to the translation store. Callers persist
// the returned entries.
package assembly

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wbattistetti/omnia/internal/models"
)

// ConfigError reports malformed authoring input. It is fatal at authoring time.
type ConfigError struct {
	FieldID  string
	StepType models.StepType
	Reason   string
}

func (e *ConfigError) Error() string {
	switch {
	case e.FieldID != "" && e.StepType != "":
		return fmt.Sprintf("field %q step %q: %s", e.FieldID, e.StepType, e.Reason)
	case e.FieldID != "":
		return fmt.Sprintf("field %q: %s", e.FieldID, e.Reason)
	default:
		return e.Reason
	}
}

// Result is one assembled step plus the translation entries it introduced.
type Result struct {
	Step    models.DialogueStep
	Entries []models.TranslationEntry
}

// singleEscalationSteps are the step types that conventionally allow several
// escalations and are flagged when only one is authored.
var singleEscalationSteps = map[models.StepType]bool{
	models.StepStart:        true,
	models.StepSuccess:      true,
	models.StepConfirmation: true,
	models.StepIntroduction: true,
}

// TranslationKey returns the key of the action at the 1-based level and
// 0-based action index.
func TranslationKey(ownerDialogueID string, stepType models.StepType, level int, fieldID string, actionIndex int) string {
	return fmt.Sprintf("%s.%s#%d.%s.a%d", ownerDialogueID, stepType, level, fieldID, actionIndex)
}

// StepID returns the identifier of the step of fieldID.
func StepID(ownerDialogueID, fieldID string, stepType models.StepType) string {
	return fmt.Sprintf("%s.%s.%s", ownerDialogueID, stepType, fieldID)
}

// AssembleStep builds the step of fieldID for stepType from its prompt lists,
// one list per escalation level. Unchanged input always yields identical keys.
// When fieldID is empty a random salt stands in for it and keys are not stable.
func AssembleStep(fieldID string, stepType models.StepType, levels []models.PromptLevel, ownerDialogueID string) (Result, error) {
	if strings.TrimSpace(ownerDialogueID) == "" {
		return Result{}, &ConfigError{FieldID: fieldID, StepType: stepType, Reason: "owner dialogue id is required"}
	}
	if !stepType.Valid() {
		return Result{}, &ConfigError{FieldID: fieldID, StepType: stepType, Reason: "unknown step type"}
	}
	if len(levels) == 0 {
		return Result{}, &ConfigError{FieldID: fieldID, StepType: stepType, Reason: "no escalation levels"}
	}

	segment := fieldID
	if segment == "" {
		segment = uuid.NewString()
	}

	step := models.DialogueStep{
		ID:                 StepID(ownerDialogueID, segment, stepType),
		OwnerFieldID:       fieldID,
		StepType:           stepType,
		Escalations:        make([]models.Escalation, 0, len(levels)),
		IsSingleEscalation: len(levels) == 1 && singleEscalationSteps[stepType],
	}
	var entries []models.TranslationEntry

	for i, level := range levels {
		index := i + 1
		if len(level) == 0 {
			return Result{}, &ConfigError{FieldID: fieldID, StepType: stepType, Reason: fmt.Sprintf("escalation %d has no prompts", index)}
		}
		esc := models.Escalation{Index: index, Actions: make([]models.ActionInstance, 0, len(level))}
		for j, prompt := range level {
			key := TranslationKey(ownerDialogueID, stepType, index, segment, j)
			action := models.ActionInstance{ID: key, Action: models.ActionSayMessage, TextKey: key}
			switch {
			case prompt.IsRef() && prompt.Text != "":
				return Result{}, &ConfigError{FieldID: fieldID, StepType: stepType, Reason: fmt.Sprintf("escalation %d prompt %d sets both text and ref", index, j)}
			case prompt.IsRef():
				action.TextKey = prompt.Ref
			case strings.TrimSpace(prompt.Text) == "":
				return Result{}, &ConfigError{FieldID: fieldID, StepType: stepType, Reason: fmt.Sprintf("escalation %d prompt %d is empty", index, j)}
			default:
				entries = append(entries, models.TranslationEntry{Key: key, Value: prompt.Text})
			}
			esc.Actions = append(esc.Actions, action)
		}
		step.Escalations = append(step.Escalations, esc)
	}
	return Result{Step: step, Entries: entries}, nil
}

// Assembled is a whole field tree worth of steps.
type Assembled struct {
	Tree    models.StepTree
	Entries []models.TranslationEntry
}

// AssembleField assembles every authored step of field and its sub-fields.
func AssembleField(field *models.Field, ownerDialogueID string) (Assembled, error) {
	if field == nil {
		return Assembled{}, &ConfigError{Reason: "nil field"}
	}
	if err := field.CheckAcyclic(); err != nil {
		return Assembled{}, &ConfigError{FieldID: field.ID, Reason: err.Error()}
	}
	var entries []models.TranslationEntry
	tree, err := assembleTree(field, ownerDialogueID, &entries)
	if err != nil {
		return Assembled{}, err
	}
	return Assembled{Tree: tree, Entries: entries}, nil
}

func assembleTree(field *models.Field, ownerDialogueID string, entries *[]models.TranslationEntry) (models.StepTree, error) {
	for st := range field.Prompts {
		if !st.Valid() {
			return models.StepTree{}, &ConfigError{FieldID: field.ID, StepType: st, Reason: "unknown step type"}
		}
	}
	tree := models.StepTree{FieldID: field.ID}
	for _, st := range models.AllStepTypes() {
		levels, ok := field.Prompts[st]
		if !ok {
			continue
		}
		res, err := AssembleStep(field.ID, st, levels, ownerDialogueID)
		if err != nil {
			return models.StepTree{}, err
		}
		if tree.Steps == nil {
			tree.Steps = make(map[models.StepType]models.DialogueStep)
		}
		tree.Steps[st] = res.Step
		*entries = append(*entries, res.Entries...)
	}
	for i := range field.SubFields {
		sub, err := assembleTree(&field.SubFields[i], ownerDialogueID, entries)
		if err != nil {
			return models.StepTree{}, err
		}
		tree.SubFields = append(tree.SubFields, sub)
	}
	return tree, nil
}
