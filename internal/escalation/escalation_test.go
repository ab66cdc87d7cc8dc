package escalation

import (
	"testing"

	"github.com/wbattistetti/omnia/internal/models"
)

func TestNextLevel(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		strategy models.EscalationStrategy
		want     int
	}{
		{"progressive from zero", 0, models.StrategyProgressive, 1},
		{"rotate from zero", 0, models.StrategyRotate, 1},
		{"progressive 1", 1, models.StrategyProgressive, 2},
		{"progressive 2", 2, models.StrategyProgressive, 3},
		{"progressive saturates", 3, models.StrategyProgressive, 3},
		{"rotate wraps", 3, models.StrategyRotate, 1},
		{"rotate 1", 1, models.StrategyRotate, 2},
		{"unknown strategy behaves progressive", 2, "banana", 3},
		{"above range clamps", 7, models.StrategyProgressive, 3},
		{"above range clamps rotate", 7, models.StrategyRotate, 1},
		{"negative clamps to zero", -4, models.StrategyRotate, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextLevel(tt.current, tt.strategy)
			if got != tt.want {
				t.Errorf("NextLevel(%d, %q) = %d, want %d", tt.current, tt.strategy, got, tt.want)
			}
		})
	}
}

func TestNextLevel_ProgressiveSaturation(t *testing.T) {
	got := NextLevel(NextLevel(NextLevel(NextLevel(0, models.StrategyProgressive), models.StrategyProgressive), models.StrategyProgressive), models.StrategyProgressive)
	if got != 3 {
		t.Fatalf("four progressive advances from 0 = %d, want 3", got)
	}

	for start := 0; start <= MaxLevel; start++ {
		level := start
		for i := 0; i < 10; i++ {
			level = NextLevel(level, models.StrategyProgressive)
			if level < 1 || level > MaxLevel {
				t.Fatalf("start %d step %d: level %d out of [1,3]", start, i, level)
			}
		}
	}
}

func TestNextLevel_RotateCycle(t *testing.T) {
	want := []int{1, 2, 3, 1, 2, 3, 1}
	level := 0
	for i, w := range want {
		level = NextLevel(level, models.StrategyRotate)
		if level != w {
			t.Fatalf("rotate step %d = %d, want %d", i, level, w)
		}
	}
}

func TestCounters_IndependentKinds(t *testing.T) {
	c := NewCounters()
	if lvl, ex := c.Advance(models.FailureNoMatch, models.StrategyProgressive); lvl != 1 || ex {
		t.Fatalf("first noMatch = (%d, %v), want (1, false)", lvl, ex)
	}
	if lvl, _ := c.Advance(models.FailureNoMatch, models.StrategyProgressive); lvl != 2 {
		t.Fatalf("second noMatch level = %d, want 2", lvl)
	}
	if got := c.Level(models.FailureNoInput); got != 0 {
		t.Errorf("noInput level = %d, want 0 (untouched)", got)
	}
	snap := c.Snapshot()
	if snap[models.FailureNoMatch] != 2 || snap[models.FailureNotConfirmed] != 0 {
		t.Errorf("unexpected snapshot %v", snap)
	}
}

func TestCounters_Exhaustion(t *testing.T) {
	for _, strategy := range []models.EscalationStrategy{models.StrategyProgressive, models.StrategyRotate} {
		t.Run(string(strategy), func(t *testing.T) {
			var c Counters
			for i := 1; i <= MaxLevel; i++ {
				if _, ex := c.Advance(models.FailureNoInput, strategy); ex {
					t.Fatalf("exhausted after %d failures, want only after %d", i, MaxLevel+1)
				}
			}
			level, ex := c.Advance(models.FailureNoInput, strategy)
			if !ex {
				t.Fatal("expected exhaustion on the fourth failure")
			}
			if level != c.Level(models.FailureNoInput) {
				t.Errorf("exhausted advance changed the level")
			}
			if c.Failures(models.FailureNoInput) != MaxLevel {
				t.Errorf("failures = %d, want %d", c.Failures(models.FailureNoInput), MaxLevel)
			}
		})
	}
}

func TestStepFor(t *testing.T) {
	tests := map[models.FailureKind]models.StepType{
		models.FailureNoInput:        models.StepNoInput,
		models.FailureConfirmNoInput: models.StepNoInput,
		models.FailureNoMatch:        models.StepNoMatch,
		models.FailureConfirmNoMatch: models.StepNoMatch,
		models.FailureNotConfirmed:   models.StepNotConfirmed,
	}
	for kind, want := range tests {
		if got := StepFor(kind); got != want {
			t.Errorf("StepFor(%q) = %q, want %q", kind, got, want)
		}
	}
}
