package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/wbattistetti/omnia/internal/models"
)

// ConfidenceTolerance is how far a result may stray from an example's declared
// confidence.
const ConfidenceTolerance = 0.1

// ConformanceViolation is one canonical example the resolver got wrong.
type ConformanceViolation struct {
	Bucket models.Bucket `json:"bucket"`
	Input  string        `json:"input"`
	Reason string        `json:"reason"`
}

// BucketReport summarizes one bucket.
type BucketReport struct {
	Bucket models.Bucket `json:"bucket"`
	Total  int           `json:"total"`
	Passed int           `json:"passed"`
}

// ConformanceReport is the outcome of checking a contract's canonical value set.
type ConformanceReport struct {
	FieldID    string                 `json:"fieldId,omitempty"`
	Buckets    []BucketReport         `json:"buckets"`
	Violations []ConformanceViolation `json:"violations,omitempty"`
}

// OK reports whether every example passed.
func (r ConformanceReport) OK() bool {
	return len(r.Violations) == 0
}

// CheckConformance resolves every canonical example of contract and verifies
// the bucket guarantees: complete examples are accepted and fully populated,
// incomplete ones are never accepted, ambiguous ones stay below the acceptance
// threshold, and stress inputs never break the resolver.
func CheckConformance(ctx context.Context, r *Resolver, fieldID string, contract *models.ExtractionContract) (ConformanceReport, error) {
	report := ConformanceReport{FieldID: fieldID}
	if contract == nil {
		return report, nil
	}
	threshold := contract.EffectiveAcceptThreshold()

	for _, group := range contract.Canonical.Buckets() {
		br := BucketReport{Bucket: group.Bucket, Total: len(group.Examples)}
		for _, ex := range group.Examples {
			res, err := resolveSafely(ctx, r, fieldID, contract, ex.Input)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			reason := ""
			if err != nil {
				reason = err.Error()
			} else {
				reason = judge(group.Bucket, ex, res, threshold)
			}
			if reason == "" {
				br.Passed++
				continue
			}
			slog.Debug("CheckConformance: example failed", "field", fieldID, "bucket", group.Bucket, "input", ex.Input, "reason", reason)
			report.Violations = append(report.Violations, ConformanceViolation{Bucket: group.Bucket, Input: ex.Input, Reason: reason})
		}
		report.Buckets = append(report.Buckets, br)
	}
	return report, nil
}

func resolveSafely(ctx context.Context, r *Resolver, fieldID string, contract *models.ExtractionContract, input string) (res models.CandidateResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resolver crashed: %v", p)
		}
	}()
	return r.ResolveField(ctx, fieldID, contract, input)
}

// judge returns why res violates the bucket guarantee, or "" when it conforms.
func judge(bucket models.Bucket, ex models.CanonicalExample, res models.CandidateResult, threshold float64) string {
	switch bucket {
	case models.BucketComplete:
		if !res.Accepted || !res.Complete() {
			return fmt.Sprintf("expected an accepted complete result, got accepted=%v missing=%v confidence=%.2f", res.Accepted, res.Missing, res.Confidence)
		}
	case models.BucketIncomplete:
		if res.Accepted {
			return "incomplete input was accepted"
		}
		return ""
	case models.BucketAmbiguous:
		if res.Extracted && res.Confidence >= threshold {
			return fmt.Sprintf("ambiguous input resolved with confidence %.2f, want below %.2f", res.Confidence, threshold)
		}
		return ""
	case models.BucketStress:
		return ""
	}

	if ex.Expected == nil {
		if res.Extracted {
			return fmt.Sprintf("expected no extraction, got %v", res.Values)
		}
		return ""
	}
	if !res.Extracted {
		return "expected an extraction, got none"
	}
	for key, want := range ex.Expected {
		got, ok := res.Values[key]
		if !ok {
			return fmt.Sprintf("missing key %q", key)
		}
		if !models.SameValue(got, want) {
			return fmt.Sprintf("key %q = %v, want %v", key, got, want)
		}
	}
	if ex.Confidence != nil && math.Abs(res.Confidence-*ex.Confidence) > ConfidenceTolerance {
		return fmt.Sprintf("confidence %.2f, want %.2f±%.2f", res.Confidence, *ex.Confidence, ConfidenceTolerance)
	}
	return ""
}
