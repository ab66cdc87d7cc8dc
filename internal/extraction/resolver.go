// Package extraction resolves utterances into candidate field values by running
// the recognition methods of an extraction contract in declared order.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/wbattistetti/omnia/internal/metrics"
	"github.com/wbattistetti/omnia/internal/models"
)

// Request carries what a recognizer needs besides the utterance.
type Request struct {
	FieldID  string
	Keys     []string
	Contract *models.ExtractionContract
}

// Recognizer is one recognition backend. A nil result, or one without values,
// means nothing was recognized.
type Recognizer interface {
	Recognize(ctx context.Context, utterance string, req Request) (*models.PartialResult, error)
}

// RecognizerFunc adapts a function to the Recognizer interface.
type RecognizerFunc func(ctx context.Context, utterance string, req Request) (*models.PartialResult, error)

// Recognize calls f.
func (f RecognizerFunc) Recognize(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
	return f(ctx, utterance, req)
}

// ErrNoRecognizer is reported when a contract names a method with no backend.
var ErrNoRecognizer = errors.New("no recognizer registered for method")

// DefaultTimeouts are the per-method budgets used when a contract sets none.
var DefaultTimeouts = map[models.Method]time.Duration{
	models.MethodRules:      200 * time.Millisecond,
	models.MethodRegex:      200 * time.Millisecond,
	models.MethodNER:        2 * time.Second,
	models.MethodEmbeddings: 3 * time.Second,
	models.MethodLLM:        8 * time.Second,
}

// Opts holds configuration for a Resolver.
type Opts struct {
	Recognizers map[models.Method]Recognizer
	Timeouts    map[models.Method]time.Duration
	Speculative bool
}

// Option configures a Resolver.
type Option func(*Opts)

// WithRecognizer registers the backend of a method.
func WithRecognizer(m models.Method, r Recognizer) Option {
	return func(o *Opts) {
		if o.Recognizers == nil {
			o.Recognizers = make(map[models.Method]Recognizer)
		}
		o.Recognizers[m] = r
	}
}

// WithMethodTimeout overrides the default budget of a method.
func WithMethodTimeout(m models.Method, d time.Duration) Option {
	return func(o *Opts) {
		if o.Timeouts == nil {
			o.Timeouts = make(map[models.Method]time.Duration)
		}
		o.Timeouts[m] = d
	}
}

// WithSpeculative starts every method of the chain at once. Selection still
// follows declared order.
func WithSpeculative(enabled bool) Option {
	return func(o *Opts) {
		o.Speculative = enabled
	}
}

// Resolver runs extraction contracts. It is safe for concurrent use.
type Resolver struct {
	recognizers map[models.Method]Recognizer
	timeouts    map[models.Method]time.Duration
	speculative bool
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Resolver{
		recognizers: make(map[models.Method]Recognizer, len(cfg.Recognizers)),
		timeouts:    make(map[models.Method]time.Duration, len(DefaultTimeouts)),
		speculative: cfg.Speculative,
	}
	for m, d := range DefaultTimeouts {
		r.timeouts[m] = d
	}
	for m, d := range cfg.Timeouts {
		if d > 0 {
			r.timeouts[m] = d
		}
	}
	for m, rec := range cfg.Recognizers {
		r.recognizers[m] = rec
	}
	return r
}

// Has reports whether a backend is registered for m.
func (r *Resolver) Has(m models.Method) bool {
	_, ok := r.recognizers[m]
	return ok
}

type attempt struct {
	method models.Method
	result *models.PartialResult
	err    error
}

// Resolve extracts a candidate value for contract from utterance. Recognizer
// failures and timeouts are downgraded to "not recognized"; the only error
// returned is the caller's context error, in which case the result must be
// discarded.
func (r *Resolver) Resolve(ctx context.Context, contract *models.ExtractionContract, utterance string) (models.CandidateResult, error) {
	return r.ResolveField(ctx, "", contract, utterance)
}

// ResolveField is Resolve with the owning field id passed to the backends.
func (r *Resolver) ResolveField(ctx context.Context, fieldID string, contract *models.ExtractionContract, utterance string) (models.CandidateResult, error) {
	if err := ctx.Err(); err != nil {
		return models.NoExtraction(), err
	}
	if contract == nil || len(contract.Methods) == 0 {
		slog.Warn("Resolver.Resolve: contract declares no methods", "field", fieldID)
		return models.NoExtraction(), nil
	}

	req := Request{FieldID: fieldID, Keys: contract.CanonicalKeys(), Contract: contract}
	next := r.sequential(ctx, utterance, req)
	if r.speculative {
		var stop func()
		next, stop = r.speculate(ctx, utterance, req)
		defer stop()
	}

	values := make(map[string]any)
	var used []models.Method
	confidence := math.Inf(1)

	for i, m := range contract.Methods {
		a := next(i, m)
		if err := ctx.Err(); err != nil {
			slog.Debug("Resolver.Resolve: resolution cancelled", "field", fieldID, "method", m)
			return models.NoExtraction(), err
		}
		if a.err != nil || a.result.Empty() {
			continue
		}
		added := 0
		for _, key := range req.Keys {
			v, ok := a.result.Values[key]
			if !ok || v == nil {
				continue
			}
			if _, taken := values[key]; taken {
				continue
			}
			values[key] = v
			added++
		}
		if added == 0 {
			continue
		}
		used = append(used, m)
		confidence = math.Min(confidence, clamp01(a.result.Confidence))
		if !contract.PerSubFieldFallback || len(values) == len(req.Keys) {
			break
		}
	}

	if len(values) == 0 {
		slog.Debug("Resolver.Resolve: no extraction", "field", fieldID, "methods", contract.Methods)
		return models.NoExtraction(), nil
	}

	res := models.CandidateResult{
		Extracted:  true,
		Values:     values,
		Confidence: confidence,
		Method:     used[0],
		Methods:    used,
	}
	for _, key := range req.Keys {
		if _, ok := values[key]; !ok {
			res.Missing = append(res.Missing, key)
		}
	}
	res.Accepted = len(res.Missing) == 0 && res.Confidence >= contract.EffectiveAcceptThreshold()
	slog.Debug("Resolver.Resolve: extraction", "field", fieldID, "method", res.Method, "confidence", res.Confidence, "accepted", res.Accepted, "missing", res.Missing)
	return res, nil
}

// sequential returns an attempt source that invokes each method on demand.
func (r *Resolver) sequential(ctx context.Context, utterance string, req Request) func(int, models.Method) attempt {
	return func(_ int, m models.Method) attempt {
		return r.run(ctx, m, utterance, req)
	}
}

// speculate starts every method at once and returns an attempt source that
// hands results back in declared order. stop cancels whatever is still running
// and waits for it to return.
func (r *Resolver) speculate(ctx context.Context, utterance string, req Request) (func(int, models.Method) attempt, func()) {
	ctx, cancel := context.WithCancel(ctx)
	methods := req.Contract.Methods
	results := make([]chan attempt, len(methods))
	done := make(chan struct{}, len(methods))
	for i, m := range methods {
		results[i] = make(chan attempt, 1)
		go func(i int, m models.Method) {
			defer func() { done <- struct{}{} }()
			results[i] <- r.run(ctx, m, utterance, req)
		}(i, m)
	}
	next := func(i int, m models.Method) attempt {
		return <-results[i]
	}
	stop := func() {
		cancel()
		for range methods {
			<-done
		}
	}
	return next, stop
}

// run invokes one recognizer under its time budget.
func (r *Resolver) run(ctx context.Context, m models.Method, utterance string, req Request) attempt {
	rec, ok := r.recognizers[m]
	if !ok {
		slog.Warn("Resolver.run: method skipped", "method", m, "error", ErrNoRecognizer)
		metrics.RecordExtractionAttempt(string(m), "missing", 0)
		return attempt{method: m, err: fmt.Errorf("%w: %s", ErrNoRecognizer, m)}
	}

	timeout := r.timeouts[m]
	if d, ok := req.Contract.TimeoutFor(m); ok {
		timeout = d
	}
	if timeout <= 0 {
		timeout = DefaultTimeouts[models.MethodLLM]
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan attempt, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- attempt{method: m, err: fmt.Errorf("recognizer panicked: %v", p)}
			}
		}()
		res, err := rec.Recognize(mctx, utterance, req)
		ch <- attempt{method: m, result: res, err: err}
	}()

	var a attempt
	select {
	case a = <-ch:
	case <-mctx.Done():
		a = attempt{method: m, err: mctx.Err()}
	}
	elapsed := time.Since(start)

	switch {
	case a.err != nil && errors.Is(a.err, context.DeadlineExceeded) && ctx.Err() == nil:
		slog.Warn("Resolver.run: method timed out", "method", m, "timeout", timeout)
		metrics.RecordExtractionAttempt(string(m), "timeout", elapsed.Seconds())
	case a.err != nil:
		if ctx.Err() == nil {
			slog.Warn("Resolver.run: method failed", "method", m, "error", a.err)
		}
		metrics.RecordExtractionAttempt(string(m), "error", elapsed.Seconds())
	case a.result.Empty():
		metrics.RecordExtractionAttempt(string(m), "empty", elapsed.Seconds())
	default:
		metrics.RecordExtractionAttempt(string(m), "hit", elapsed.Seconds())
	}
	return a
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Min(math.Max(f, 0), 1)
}
