package steps

import (
	"log/slog"

	"github.com/wbattistetti/omnia/internal/models"
)

// FlattenFromNestedTree emits one flat step per (field, step type) pair of the
// tree, depth-first with parents before children.
func FlattenFromNestedTree(tree models.StepTree) []models.DialogueStep {
	var out []models.DialogueStep
	flatten(tree, &out)
	return out
}

func flatten(tree models.StepTree, out *[]models.DialogueStep) {
	for _, st := range models.AllStepTypes() {
		if step, ok := tree.Steps[st]; ok {
			*out = append(*out, step)
		}
	}
	for _, sub := range tree.SubFields {
		flatten(sub, out)
	}
}

// Nest rebuilds the nested form of steps following the shape of field. Steps
// owned by fields outside the tree are dropped.
func Nest(field *models.Field, steps []models.DialogueStep) models.StepTree {
	byField := make(map[string]map[models.StepType]models.DialogueStep)
	for _, step := range steps {
		m, ok := byField[step.OwnerFieldID]
		if !ok {
			m = make(map[models.StepType]models.DialogueStep)
			byField[step.OwnerFieldID] = m
		}
		m[step.StepType] = step
	}
	tree := nest(field, byField)
	for id := range byField {
		slog.Warn("steps.Nest: dropping steps of unknown field", "field", id)
	}
	return tree
}

func nest(field *models.Field, byField map[string]map[models.StepType]models.DialogueStep) models.StepTree {
	tree := models.StepTree{FieldID: field.ID}
	if m, ok := byField[field.ID]; ok {
		tree.Steps = m
		delete(byField, field.ID)
	}
	for i := range field.SubFields {
		tree.SubFields = append(tree.SubFields, nest(&field.SubFields[i], byField))
	}
	return tree
}
