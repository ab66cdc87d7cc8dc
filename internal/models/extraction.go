package models

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Method names a recognition method of an extraction contract.
type Method string

const (
	MethodRules      Method = "rules"
	MethodNER        Method = "ner"
	MethodLLM        Method = "llm"
	MethodEmbeddings Method = "embeddings"
	MethodRegex      Method = "regex"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodRules, MethodNER, MethodLLM, MethodEmbeddings, MethodRegex:
		return true
	default:
		return false
	}
}

// DefaultAcceptThreshold is the minimum confidence of an accepted extraction.
const DefaultAcceptThreshold = 0.5

// PatternSpec is a regular expression used by the regex method. Named groups
// populate the canonical keys of the same name.
type PatternSpec struct {
	Expr       string  `json:"expr" yaml:"expr"`
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// ExtractionContract declares how a field's value is recognized.
// The method order is the single source of truth for precedence.
type ExtractionContract struct {
	Methods             []Method          `json:"methods" yaml:"methods"`
	SubFieldMapping     map[string]string `json:"subFieldMapping,omitempty" yaml:"subFieldMapping,omitempty"`
	Keys                []string          `json:"keys,omitempty" yaml:"keys,omitempty"`
	PerSubFieldFallback bool              `json:"perSubFieldFallback,omitempty" yaml:"perSubFieldFallback,omitempty"`
	AcceptThreshold     float64           `json:"acceptThreshold,omitempty" yaml:"acceptThreshold,omitempty"`
	RuleSet             string            `json:"ruleSet,omitempty" yaml:"ruleSet,omitempty"`
	Patterns            []PatternSpec     `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Entity              string            `json:"entity,omitempty" yaml:"entity,omitempty"`
	Instructions        string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	MethodTimeouts      map[Method]string `json:"methodTimeouts,omitempty" yaml:"methodTimeouts,omitempty"`
	Canonical           CanonicalValueSet `json:"canonical,omitempty" yaml:"canonical,omitempty"`
}

// CanonicalKeys returns the keys a complete extraction fills, in declared order.
func (c *ExtractionContract) CanonicalKeys() []string {
	if len(c.Keys) > 0 {
		return c.Keys
	}
	if len(c.SubFieldMapping) == 0 {
		return []string{ValueKey}
	}
	keys := make([]string, 0, len(c.SubFieldMapping))
	for _, k := range c.SubFieldMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EffectiveAcceptThreshold returns the configured threshold or the default.
func (c *ExtractionContract) EffectiveAcceptThreshold() float64 {
	if c.AcceptThreshold <= 0 {
		return DefaultAcceptThreshold
	}
	return c.AcceptThreshold
}

// TimeoutFor parses the per-method timeout override, if any.
func (c *ExtractionContract) TimeoutFor(m Method) (time.Duration, bool) {
	raw, ok := c.MethodTimeouts[m]
	if !ok || raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Bucket names one of the six canonical example buckets.
type Bucket string

const (
	BucketComplete   Bucket = "complete"
	BucketPartial    Bucket = "partial"
	BucketIncomplete Bucket = "incomplete"
	BucketAmbiguous  Bucket = "ambiguous"
	BucketNoisy      Bucket = "noisy"
	BucketStress     Bucket = "stress"
)

// CanonicalExample is one conformance fixture. A nil Expected means the input
// must not produce an extraction.
type CanonicalExample struct {
	Input      string         `json:"input" yaml:"input"`
	Expected   map[string]any `json:"expected,omitempty" yaml:"expected,omitempty"`
	Confidence *float64       `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// CanonicalValueSet groups conformance fixtures by bucket.
type CanonicalValueSet struct {
	Complete   []CanonicalExample `json:"complete,omitempty" yaml:"complete,omitempty"`
	Partial    []CanonicalExample `json:"partial,omitempty" yaml:"partial,omitempty"`
	Incomplete []CanonicalExample `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	Ambiguous  []CanonicalExample `json:"ambiguous,omitempty" yaml:"ambiguous,omitempty"`
	Noisy      []CanonicalExample `json:"noisy,omitempty" yaml:"noisy,omitempty"`
	Stress     []CanonicalExample `json:"stress,omitempty" yaml:"stress,omitempty"`
}

// Buckets returns the examples keyed by bucket in a stable order.
func (s CanonicalValueSet) Buckets() []struct {
	Bucket   Bucket
	Examples []CanonicalExample
} {
	return []struct {
		Bucket   Bucket
		Examples []CanonicalExample
	}{
		{BucketComplete, s.Complete},
		{BucketPartial, s.Partial},
		{BucketIncomplete, s.Incomplete},
		{BucketAmbiguous, s.Ambiguous},
		{BucketNoisy, s.Noisy},
		{BucketStress, s.Stress},
	}
}

// PartialResult is what a recognition backend returns: canonical keys to raw
// values plus an overall confidence.
type PartialResult struct {
	Values     map[string]any `json:"values"`
	Confidence float64        `json:"confidence"`
}

// Empty reports whether the result carries no values.
func (p *PartialResult) Empty() bool {
	return p == nil || len(p.Values) == 0
}

// CandidateResult is the outcome of resolving an utterance against a contract.
type CandidateResult struct {
	Extracted  bool           `json:"extracted"`
	Values     map[string]any `json:"values,omitempty"`
	Confidence float64        `json:"confidence"`
	Method     Method         `json:"method,omitempty"`
	Methods    []Method       `json:"methods,omitempty"`
	Accepted   bool           `json:"accepted"`
	Missing    []string       `json:"missing,omitempty"`
}

// NoExtraction is the explicit "nothing recognized" signal.
func NoExtraction() CandidateResult {
	return CandidateResult{}
}

// Complete reports whether no canonical key is missing.
func (c CandidateResult) Complete() bool {
	return c.Extracted && len(c.Missing) == 0
}

// SameValue compares two extracted values loosely: numbers compare by value
// regardless of their Go type and strings compare case-insensitively. A number
// never equals a string, even one that spells it.
func SameValue(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return math.Abs(af-bf) < 1e-9
	}
	if aNum != bNum {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(fmt.Sprint(a)), strings.TrimSpace(fmt.Sprint(b)))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
