package assembly

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wbattistetti/omnia/internal/models"
)

func levels(prompts ...[]string) []models.PromptLevel {
	out := make([]models.PromptLevel, 0, len(prompts))
	for _, p := range prompts {
		lvl := make(models.PromptLevel, 0, len(p))
		for _, text := range p {
			lvl = append(lvl, models.Text(text))
		}
		out = append(out, lvl)
	}
	return out
}

func TestAssembleStep_Keys(t *testing.T) {
	res, err := AssembleStep("dob", models.StepNoMatch, levels(
		[]string{"Sorry, what is your date of birth?"},
		[]string{"I did not get that.", "Please say day, month and year."},
	), "tpl-dob")
	if err != nil {
		t.Fatalf("AssembleStep error: %v", err)
	}

	want := []models.TranslationEntry{
		{Key: "tpl-dob.noMatch#1.dob.a0", Value: "Sorry, what is your date of birth?"},
		{Key: "tpl-dob.noMatch#2.dob.a0", Value: "I did not get that."},
		{Key: "tpl-dob.noMatch#2.dob.a1", Value: "Please say day, month and year."},
	}
	if diff := cmp.Diff(want, res.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	step := res.Step
	if step.OwnerFieldID != "dob" || step.StepType != models.StepNoMatch || len(step.Escalations) != 2 {
		t.Fatalf("unexpected step %+v", step)
	}
	if step.Escalations[1].Index != 2 || step.Escalations[1].Actions[1].TextKey != "tpl-dob.noMatch#2.dob.a1" {
		t.Errorf("unexpected escalation %+v", step.Escalations[1])
	}
	if step.Escalations[0].Actions[0].Action != models.ActionSayMessage {
		t.Errorf("action = %q, want sayMessage", step.Escalations[0].Actions[0].Action)
	}
	if step.IsSingleEscalation {
		t.Error("noMatch with two levels flagged single escalation")
	}
}

func TestAssembleStep_Idempotent(t *testing.T) {
	input := levels([]string{"What is your date of birth?"}, []string{"When were you born?", "Day, month, year."})
	first, err := AssembleStep("dob", models.StepStart, input, "tpl")
	if err != nil {
		t.Fatal(err)
	}
	second, err := AssembleStep("dob", models.StepStart, input, "tpl")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-assembly changed output (-first +second):\n%s", diff)
	}
}

func TestAssembleStep_KeysSurviveAddedLevels(t *testing.T) {
	one, _ := AssembleStep("dob", models.StepNoInput, levels([]string{"Are you there?"}), "tpl")
	two, _ := AssembleStep("dob", models.StepNoInput, levels([]string{"Are you there?"}, []string{"Hello?"}), "tpl")
	if one.Entries[0].Key != two.Entries[0].Key {
		t.Errorf("adding a level renamed key %q to %q", one.Entries[0].Key, two.Entries[0].Key)
	}
}

func TestAssembleStep_References(t *testing.T) {
	input := []models.PromptLevel{{models.Ref("common.pleaseRepeat"), models.Text("What is your date of birth?")}}
	res, err := AssembleStep("dob", models.StepNoMatch, input, "tpl")
	if err != nil {
		t.Fatal(err)
	}
	actions := res.Step.Escalations[0].Actions
	if actions[0].TextKey != "common.pleaseRepeat" {
		t.Errorf("ref TextKey = %q", actions[0].TextKey)
	}
	if len(res.Entries) != 1 || res.Entries[0].Key != "tpl.noMatch#1.dob.a1" {
		t.Errorf("entries = %+v, want only the literal prompt", res.Entries)
	}
}

func TestAssembleStep_SingleEscalation(t *testing.T) {
	tests := []struct {
		stepType models.StepType
		levels   int
		want     bool
	}{
		{models.StepStart, 1, true},
		{models.StepSuccess, 1, true},
		{models.StepConfirmation, 1, true},
		{models.StepIntroduction, 1, true},
		{models.StepStart, 2, false},
		{models.StepNoMatch, 1, false},
		{models.StepNoInput, 1, false},
		{models.StepNotConfirmed, 1, false},
	}
	for _, tt := range tests {
		input := make([]models.PromptLevel, tt.levels)
		for i := range input {
			input[i] = models.PromptLevel{models.Text("prompt")}
		}
		res, err := AssembleStep("f", tt.stepType, input, "tpl")
		if err != nil {
			t.Fatal(err)
		}
		if res.Step.IsSingleEscalation != tt.want {
			t.Errorf("%s with %d levels: IsSingleEscalation = %v, want %v", tt.stepType, tt.levels, res.Step.IsSingleEscalation, tt.want)
		}
	}
}

func TestAssembleStep_Salt(t *testing.T) {
	input := levels([]string{"Hello"})
	a, err := AssembleStep("", models.StepIntroduction, input, "tpl")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := AssembleStep("", models.StepIntroduction, input, "tpl")
	if a.Entries[0].Key == b.Entries[0].Key {
		t.Error("salted keys should differ between assemblies")
	}
	if !strings.HasPrefix(a.Entries[0].Key, "tpl.introduction#1.") {
		t.Errorf("salted key %q lost its prefix", a.Entries[0].Key)
	}
}

func TestAssembleStep_ConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		stepType models.StepType
		levels   []models.PromptLevel
		owner    string
	}{
		{"unknown step type", "farewell", levels([]string{"bye"}), "tpl"},
		{"no levels", models.StepStart, nil, "tpl"},
		{"empty level", models.StepStart, []models.PromptLevel{{}}, "tpl"},
		{"blank prompt", models.StepStart, levels([]string{"  "}), "tpl"},
		{"text and ref", models.StepStart, []models.PromptLevel{{{Text: "a", Ref: "b"}}}, "tpl"},
		{"no owner", models.StepStart, levels([]string{"hi"}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssembleStep("f", tt.stepType, tt.levels, tt.owner)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
		})
	}
}

func dobField() *models.Field {
	return &models.Field{
		ID: "dob",
		Prompts: map[models.StepType][]models.PromptLevel{
			models.StepStart:   levels([]string{"What is your date of birth?"}),
			models.StepNoMatch: levels([]string{"Sorry?"}, []string{"Please repeat."}),
		},
		SubFields: []models.Field{
			{ID: "day", Prompts: map[models.StepType][]models.PromptLevel{models.StepStart: levels([]string{"Which day?"})}},
			{ID: "month", Prompts: map[models.StepType][]models.PromptLevel{models.StepStart: levels([]string{"Which month?"})}},
			{ID: "year"},
		},
	}
}

func TestAssembleField(t *testing.T) {
	out, err := AssembleField(dobField(), "tpl")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tree.Steps) != 2 || len(out.Tree.SubFields) != 3 {
		t.Fatalf("unexpected tree %+v", out.Tree)
	}
	if out.Tree.SubFields[0].Steps[models.StepStart].OwnerFieldID != "day" {
		t.Error("sub-field step owned by the wrong field")
	}
	if len(out.Tree.SubFields[2].Steps) != 0 {
		t.Error("field without prompts produced steps")
	}
	if len(out.Entries) != 5 {
		t.Errorf("entries = %d, want 5", len(out.Entries))
	}
}

func TestAssembleField_Errors(t *testing.T) {
	dup := dobField()
	dup.SubFields[1].ID = "day"
	if _, err := AssembleField(dup, "tpl"); err == nil {
		t.Error("expected error for duplicate field ids")
	}

	bad := dobField()
	bad.SubFields[0].Prompts["goodbye"] = levels([]string{"bye"})
	var cfgErr *ConfigError
	if _, err := AssembleField(bad, "tpl"); !errors.As(err, &cfgErr) || cfgErr.FieldID != "day" {
		t.Errorf("err = %v, want ConfigError on field day", err)
	}
}
