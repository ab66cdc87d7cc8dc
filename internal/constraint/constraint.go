// Package constraint evaluates field validation rules against candidate values.
//
// A rule is either a named predicate registered ahead of time or a short Go
// script run in a sandboxed yaegi interpreter. Evaluation never fails the
// caller: anything that goes wrong is reported as StatusError.
package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wbattistetti/omnia/internal/models"
)

// Status is the outcome of one rule evaluation.
type Status string

const (
	StatusOK        Status = "ok"
	StatusViolation Status = "violation"
	StatusError     Status = "error"
)

// DefaultTimeout bounds a scripted rule when no other budget is configured.
const DefaultTimeout = 250 * time.Millisecond

// Result is the report of one rule evaluation.
type Result struct {
	RuleID     string   `json:"ruleId,omitempty"`
	Status     Status   `json:"status"`
	Confidence *float64 `json:"confidence,omitempty"`
	Message    string   `json:"message,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// OK returns an ok result.
func OK() Result { return Result{Status: StatusOK} }

// Violation returns a violation result with a message.
func Violation(message string) Result {
	return Result{Status: StatusViolation, Message: message}
}

// Failed returns an error result.
func Failed(err error) Result {
	return Result{Status: StatusError, Error: err.Error()}
}

// Opts holds configuration for an Evaluator.
type Opts struct {
	Timeout         time.Duration
	AllowedPackages []string
	Predicates      map[string]Predicate
}

// Option configures an Evaluator.
type Option func(*Opts)

// WithTimeout sets the per-script time budget.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithAllowedPackages replaces the standard library packages scripts may import.
func WithAllowedPackages(pkgs ...string) Option {
	return func(o *Opts) {
		o.AllowedPackages = pkgs
	}
}

// WithPredicate registers an extra named predicate on this evaluator only.
func WithPredicate(name string, p Predicate) Option {
	return func(o *Opts) {
		if o.Predicates == nil {
			o.Predicates = make(map[string]Predicate)
		}
		o.Predicates[name] = p
	}
}

// Evaluator runs constraint rules. It holds no per-evaluation state and is safe
// for concurrent use.
type Evaluator struct {
	timeout    time.Duration
	sandbox    *sandbox
	predicates map[string]Predicate
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	cfg := Opts{Timeout: DefaultTimeout, AllowedPackages: defaultAllowedPackages}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	slog.Debug("NewEvaluator: constraint evaluator created", "timeout", cfg.Timeout, "packages", len(cfg.AllowedPackages))
	return &Evaluator{
		timeout:    cfg.Timeout,
		sandbox:    newSandbox(cfg.AllowedPackages),
		predicates: cfg.Predicates,
	}
}

// Evaluate runs one rule against vars. The candidate itself is expected under
// the "value" key; sibling values use their canonical keys.
func (e *Evaluator) Evaluate(ctx context.Context, rule models.ConstraintRule, vars map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Evaluator.Evaluate: rule panicked", "rule", rule.ID, "panic", r)
			res = Failed(fmt.Errorf("rule panicked: %v", r))
		}
		res.RuleID = rule.ID
		if res.Status == StatusViolation && res.Message == "" {
			res.Message = rule.Message
		}
	}()

	copied := deepCopyMap(vars)
	switch {
	case rule.Predicate != "" && rule.Script != "":
		return Failed(fmt.Errorf("rule %q sets both predicate and script", rule.ID))
	case rule.Predicate != "":
		p, ok := e.lookup(rule.Predicate)
		if !ok {
			return Failed(fmt.Errorf("unknown predicate %q", rule.Predicate))
		}
		return normalize(p(copied, rule.Params))
	case rule.Script != "":
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		start := time.Now()
		res := e.sandbox.run(ctx, rule.Script, copied)
		slog.Debug("Evaluator.Evaluate: script evaluated", "rule", rule.ID, "status", res.Status, "elapsed", time.Since(start))
		return normalize(res)
	default:
		return OK()
	}
}

// EvaluateAll runs rules in order and returns the first non-ok result, or OK.
func (e *Evaluator) EvaluateAll(ctx context.Context, rules []models.ConstraintRule, vars map[string]any) Result {
	for _, rule := range rules {
		res := e.Evaluate(ctx, rule, vars)
		if res.Status != StatusOK {
			return res
		}
	}
	return OK()
}

func (e *Evaluator) lookup(name string) (Predicate, bool) {
	if p, ok := e.predicates[name]; ok {
		return p, true
	}
	return Get(name)
}

func normalize(r Result) Result {
	switch r.Status {
	case StatusOK, StatusViolation, StatusError:
	case "":
		r.Status = StatusOK
	default:
		return Result{Status: StatusError, Error: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		c := min(max(*r.Confidence, 0), 1)
		r.Confidence = &c
	}
	return r
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
