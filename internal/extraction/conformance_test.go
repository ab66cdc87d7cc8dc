package extraction

import (
	"context"
	"strings"
	"testing"

	"github.com/wbattistetti/omnia/internal/models"
)

func conformingDOB() *models.ExtractionContract {
	c := dobContract(models.MethodRules)
	c.Canonical = models.CanonicalValueSet{
		Complete: []models.CanonicalExample{
			{Input: "march 3rd 1990", Expected: map[string]any{"day": 3, "month": 3, "year": 1990}},
			{Input: "1985-12-21", Expected: map[string]any{"day": 21, "month": 12, "year": 1985}},
		},
		Partial: []models.CanonicalExample{
			{Input: "march 1990", Expected: map[string]any{"month": 3, "year": 1990}},
		},
		Incomplete: []models.CanonicalExample{
			{Input: "march"},
			{Input: "sometime in 1990"},
		},
		Ambiguous: []models.CanonicalExample{
			{Input: "3/4/1990"},
		},
		Noisy: []models.CanonicalExample{
			{Input: "uhm so it's like march 3rd 1990 I think", Expected: map[string]any{"day": 3, "month": 3, "year": 1990}},
			{Input: "no idea sorry"},
		},
		Stress: []models.CanonicalExample{
			{Input: strings.Repeat("march ", 500)},
			{Input: "31/31/31313131"},
		},
	}
	return c
}

func TestCheckConformance_Passes(t *testing.T) {
	r := NewResolver(WithRecognizer(models.MethodRules, NewRulesRecognizer(nil)))
	report, err := CheckConformance(context.Background(), r, "dob", conformingDOB())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Fatalf("unexpected violations: %+v", report.Violations)
	}
	if len(report.Buckets) != 6 {
		t.Errorf("buckets = %d, want 6", len(report.Buckets))
	}
	for _, b := range report.Buckets {
		if b.Passed != b.Total {
			t.Errorf("bucket %s passed %d/%d", b.Bucket, b.Passed, b.Total)
		}
	}
}

func TestCheckConformance_ReportsViolations(t *testing.T) {
	// A recognizer that always claims a confident complete date.
	overconfident := RecognizerFunc(func(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
		return partial(0.99, "day", 1, "month", 1, "year", 2000), nil
	})
	r := NewResolver(WithRecognizer(models.MethodRules, overconfident))
	report, err := CheckConformance(context.Background(), r, "dob", conformingDOB())
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("expected violations")
	}
	seen := make(map[models.Bucket]bool)
	for _, v := range report.Violations {
		seen[v.Bucket] = true
	}
	for _, b := range []models.Bucket{models.BucketComplete, models.BucketIncomplete, models.BucketAmbiguous, models.BucketNoisy} {
		if !seen[b] {
			t.Errorf("no violation reported for bucket %s", b)
		}
	}
	if seen[models.BucketStress] {
		t.Error("stress bucket only requires the resolver not to crash")
	}
}

func TestCheckConformance_CrashingResolver(t *testing.T) {
	crash := RecognizerFunc(func(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
		panic("bad input")
	})
	r := NewResolver(WithRecognizer(models.MethodRules, crash))
	c := dobContract(models.MethodRules)
	c.Canonical.Stress = []models.CanonicalExample{{Input: "\x00\x00"}}

	report, err := CheckConformance(context.Background(), r, "dob", c)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Errorf("recognizer panic escaped the resolver boundary: %+v", report.Violations)
	}
}

func TestCheckConformance_ConfidenceTolerance(t *testing.T) {
	r := NewResolver(WithRecognizer(models.MethodRules, NewRulesRecognizer(nil)))
	c := dobContract(models.MethodRules)
	want := 0.6
	c.Canonical.Complete = []models.CanonicalExample{
		{Input: "march 3rd 1990", Expected: map[string]any{"day": 3, "month": 3, "year": 1990}, Confidence: &want},
	}
	report, err := CheckConformance(context.Background(), r, "dob", c)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() || !strings.Contains(report.Violations[0].Reason, "confidence") {
		t.Errorf("expected confidence violation, got %+v", report.Violations)
	}
}
