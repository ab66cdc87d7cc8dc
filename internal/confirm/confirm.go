// Package confirm decides whether a recognized value must be confirmed by the
// user before it is accepted.
package confirm

import "github.com/wbattistetti/omnia/internal/models"

// ShouldPreConfirm applies the pre-confirmation policy to a confidence score.
// A missing confidence counts as zero. The threshold is used as given; callers
// holding a field policy pass ConfirmPolicy.EffectiveThreshold.
func ShouldPreConfirm(mode models.ConfirmMode, confidence *float64, threshold float64) bool {
	switch mode {
	case models.ConfirmNever:
		return false
	case models.ConfirmAlways:
		return true
	case models.ConfirmThreshold:
		return valueOf(confidence) >= threshold
	default:
		return false
	}
}

// RequiresConfirmation reports whether the engine routes an accepted candidate
// through the confirmation step. Under the threshold mode a value is confirmed
// when the recognizer was not sure enough, so missing confidence always asks.
// An empty mode behaves like never.
func RequiresConfirmation(policy models.ConfirmPolicy, confidence *float64) bool {
	switch policy.Mode {
	case models.ConfirmAlways:
		return true
	case models.ConfirmThreshold:
		if confidence == nil {
			return true
		}
		return !ShouldPreConfirm(models.ConfirmThreshold, confidence, policy.EffectiveThreshold())
	default:
		return false
	}
}

func valueOf(c *float64) float64 {
	if c == nil {
		return 0
	}
	return *c
}
