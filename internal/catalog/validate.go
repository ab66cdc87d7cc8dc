package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/wbattistetti/omnia/internal/assembly"
	"github.com/wbattistetti/omnia/internal/constraint"
	"github.com/wbattistetti/omnia/internal/models"
)

// ValidationError describes one authoring problem of a template.
type ValidationError struct {
	TemplateID string
	FieldID    string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.FieldID == "" {
		return fmt.Sprintf("template %q: %s", e.TemplateID, e.Reason)
	}
	return fmt.Sprintf("template %q field %q: %s", e.TemplateID, e.FieldID, e.Reason)
}

// Validate checks a template for the authoring errors that would otherwise
// surface at runtime. The returned error joins every *ValidationError found.
func Validate(t Template) error {
	v := validator{templateID: t.ID}
	if strings.TrimSpace(t.ID) == "" {
		v.add("", "template id is required")
	}
	root := t.Field
	if strings.TrimSpace(root.ID) == "" {
		v.add("", "root field id is required")
		return v.err()
	}
	if err := root.CheckAcyclic(); err != nil {
		v.add(root.ID, err.Error())
		return v.err()
	}
	if _, ok := root.Prompts[models.StepStart]; !ok {
		v.add(root.ID, "root field must author a start step")
	}
	if root.Contract == nil {
		v.add(root.ID, "root field needs an extraction contract")
	}

	if t.ID != "" {
		if _, err := assembly.AssembleField(&root, t.ID); err != nil {
			var cfgErr *assembly.ConfigError
			if errors.As(err, &cfgErr) {
				v.add(cfgErr.FieldID, fmt.Sprintf("step %s: %s", cfgErr.StepType, cfgErr.Reason))
			} else {
				v.add(root.ID, err.Error())
			}
		}
	}

	_ = root.Walk(func(f *models.Field) error {
		v.field(f)
		return nil
	})
	return v.err()
}

type validator struct {
	templateID string
	errs       []error
}

func (v *validator) add(fieldID, reason string) {
	v.errs = append(v.errs, &ValidationError{TemplateID: v.templateID, FieldID: fieldID, Reason: reason})
}

func (v *validator) err() error {
	return errors.Join(v.errs...)
}

func (v *validator) field(f *models.Field) {
	switch f.Confirm.Mode {
	case "", models.ConfirmNever, models.ConfirmAlways, models.ConfirmThreshold:
	default:
		v.add(f.ID, fmt.Sprintf("unknown confirm mode %q", f.Confirm.Mode))
	}
	if f.Confirm.Threshold < 0 || f.Confirm.Threshold > 1 {
		v.add(f.ID, "confirm threshold must be within [0,1]")
	}

	known := make(map[models.FailureKind]bool)
	for _, k := range models.AllFailureKinds() {
		known[k] = true
	}
	for kind, strategy := range f.Escalation {
		if !known[kind] {
			v.add(f.ID, fmt.Sprintf("unknown escalation kind %q", kind))
		}
		if strategy != models.StrategyProgressive && strategy != models.StrategyRotate {
			v.add(f.ID, fmt.Sprintf("unknown escalation strategy %q for %s", strategy, kind))
		}
	}

	for _, rule := range f.Constraints {
		v.constraint(f.ID, rule)
	}
	if f.Contract != nil {
		v.contract(f, f.Contract)
	}
}

func (v *validator) constraint(fieldID string, rule models.ConstraintRule) {
	hasPredicate := rule.Predicate != ""
	hasScript := strings.TrimSpace(rule.Script) != ""
	switch {
	case hasPredicate == hasScript:
		v.add(fieldID, fmt.Sprintf("constraint %q must set exactly one of predicate or script", rule.ID))
	case hasPredicate:
		if _, ok := constraint.Get(rule.Predicate); !ok {
			v.add(fieldID, fmt.Sprintf("constraint %q uses unknown predicate %q", rule.ID, rule.Predicate))
		}
	}
}

func (v *validator) contract(f *models.Field, c *models.ExtractionContract) {
	if len(c.Methods) == 0 {
		v.add(f.ID, "contract declares no methods")
	}
	seen := make(map[models.Method]bool)
	for _, m := range c.Methods {
		if !m.Valid() {
			v.add(f.ID, fmt.Sprintf("unknown extraction method %q", m))
		}
		if seen[m] {
			v.add(f.ID, fmt.Sprintf("method %q listed twice", m))
		}
		seen[m] = true
	}
	for m := range c.MethodTimeouts {
		if _, ok := c.TimeoutFor(m); !ok {
			v.add(f.ID, fmt.Sprintf("invalid timeout for method %q", m))
		}
	}
	if c.AcceptThreshold < 0 || c.AcceptThreshold > 1 {
		v.add(f.ID, "accept threshold must be within [0,1]")
	}

	subs := make(map[string]bool, len(f.SubFields))
	for _, s := range f.SubFields {
		subs[s.ID] = true
	}
	for sub := range c.SubFieldMapping {
		if !subs[sub] {
			v.add(f.ID, fmt.Sprintf("mapping references unknown sub-field %q", sub))
		}
	}

	if seen[models.MethodRegex] && len(c.Patterns) == 0 {
		v.add(f.ID, "regex method requires at least one pattern")
	}
	for _, p := range c.Patterns {
		if _, err := regexp.Compile(p.Expr); err != nil {
			v.add(f.ID, fmt.Sprintf("invalid pattern %q: %v", p.Expr, err))
		}
	}

	keys := make(map[string]bool)
	for _, k := range c.CanonicalKeys() {
		keys[k] = true
	}
	for _, b := range c.Canonical.Buckets() {
		for _, ex := range b.Examples {
			for k := range ex.Expected {
				if !keys[k] {
					v.add(f.ID, fmt.Sprintf("%s example %q expects unknown key %q", b.Bucket, ex.Input, k))
				}
			}
			if b.Bucket == models.BucketIncomplete && len(ex.Expected) == len(keys) && len(keys) > 0 {
				v.add(f.ID, fmt.Sprintf("incomplete example %q expects a complete value", ex.Input))
			}
		}
	}
}
