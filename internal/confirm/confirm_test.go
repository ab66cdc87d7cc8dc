package confirm

import (
	"testing"

	"github.com/wbattistetti/omnia/internal/models"
)

func ptr(f float64) *float64 { return &f }

func TestShouldPreConfirm(t *testing.T) {
	tests := []struct {
		name       string
		mode       models.ConfirmMode
		confidence *float64
		threshold  float64
		want       bool
	}{
		{"threshold just below", models.ConfirmThreshold, ptr(0.69), 0.7, false},
		{"threshold exact", models.ConfirmThreshold, ptr(0.70), 0.7, true},
		{"threshold above", models.ConfirmThreshold, ptr(0.95), 0.7, true},
		{"threshold missing confidence", models.ConfirmThreshold, nil, 0.7, false},
		{"zero threshold taken literally", models.ConfirmThreshold, ptr(0.5), 0, true},
		{"zero threshold missing confidence", models.ConfirmThreshold, nil, 0, true},
		{"always ignores confidence", models.ConfirmAlways, ptr(0), 0.7, true},
		{"always nil", models.ConfirmAlways, nil, 0.7, true},
		{"never ignores confidence", models.ConfirmNever, ptr(1), 0.7, false},
		{"unknown mode", "sometimes", ptr(1), 0.7, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldPreConfirm(tt.mode, tt.confidence, tt.threshold); got != tt.want {
				t.Errorf("ShouldPreConfirm(%q, %v, %v) = %v, want %v", tt.mode, tt.confidence, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestRequiresConfirmation(t *testing.T) {
	threshold := models.ConfirmPolicy{Mode: models.ConfirmThreshold, Threshold: 0.7}

	tests := []struct {
		name       string
		policy     models.ConfirmPolicy
		confidence *float64
		want       bool
	}{
		{"confident value accepted directly", threshold, ptr(0.95), false},
		{"exact threshold accepted directly", threshold, ptr(0.7), false},
		{"unsure value confirmed", threshold, ptr(0.69), true},
		{"missing confidence confirmed", threshold, nil, true},
		{"default threshold", models.ConfirmPolicy{Mode: models.ConfirmThreshold}, ptr(0.6), true},
		{"always", models.ConfirmPolicy{Mode: models.ConfirmAlways}, ptr(1), true},
		{"never", models.ConfirmPolicy{Mode: models.ConfirmNever}, nil, false},
		{"empty mode", models.ConfirmPolicy{}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequiresConfirmation(tt.policy, tt.confidence); got != tt.want {
				t.Errorf("RequiresConfirmation(%+v, %v) = %v, want %v", tt.policy, tt.confidence, got, tt.want)
			}
		})
	}
}
