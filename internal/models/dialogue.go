package models

import "time"

// Phase is the lifecycle phase of a dialogue instance.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseConfirming Phase = "confirming"
	PhaseCompleted  Phase = "completed"
	PhaseExhausted  Phase = "exhausted"
	PhaseAbandoned  Phase = "abandoned"
)

// Concluded reports whether the phase is terminal.
func (p Phase) Concluded() bool {
	return p == PhaseCompleted || p == PhaseExhausted || p == PhaseAbandoned
}

// Outcome classifies what a single turn did.
type Outcome string

const (
	OutcomePrompted   Outcome = "prompted"
	OutcomeReprompted Outcome = "reprompted"
	OutcomeConfirming Outcome = "confirming"
	OutcomeAccepted   Outcome = "accepted"
	OutcomeExhausted  Outcome = "exhausted"
)

// PromptMessage is one resolved action of the current prompt.
type PromptMessage struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Prompt is what the caller should present to the user next.
type Prompt struct {
	DialogueID string          `json:"dialogueId"`
	FieldID    string          `json:"fieldId"`
	StepType   StepType        `json:"stepType"`
	Level      int             `json:"level"`
	Messages   []PromptMessage `json:"messages"`
}

// Texts returns the message texts in order.
func (p Prompt) Texts() []string {
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.Text)
	}
	return out
}

// Turn is the result of submitting one utterance.
type Turn struct {
	DialogueID string      `json:"dialogueId"`
	Outcome    Outcome     `json:"outcome"`
	Failure    FailureKind `json:"failure,omitempty"`
	Phase      Phase       `json:"phase"`
	Prompt     Prompt      `json:"prompt"`
}

// DialogueResult is the canonical hand-off value of a dialogue.
type DialogueResult struct {
	DialogueID  string         `json:"dialogueId"`
	TemplateID  string         `json:"templateId"`
	FieldID     string         `json:"fieldId"`
	Phase       Phase          `json:"phase"`
	Values      map[string]any `json:"values,omitempty"`
	Confidence  float64        `json:"confidence"`
	Method      Method         `json:"method,omitempty"`
	Confirmed   bool           `json:"confirmed"`
	StartedAt   time.Time      `json:"startedAt"`
	ConcludedAt *time.Time     `json:"concludedAt,omitempty"`
}
