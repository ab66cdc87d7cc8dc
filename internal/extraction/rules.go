package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wbattistetti/omnia/internal/models"
)

// RuleSet recognizes one kind of value. keys are the canonical keys of the
// field being filled.
type RuleSet func(utterance string, keys []string) *models.PartialResult

// RulesRecognizer runs the built-in rule set named by the contract.
type RulesRecognizer struct {
	sets map[string]RuleSet
}

// NewRulesRecognizer returns a recognizer with the date, number and email rule
// sets plus any extra sets given.
func NewRulesRecognizer(extra map[string]RuleSet) *RulesRecognizer {
	r := &RulesRecognizer{sets: map[string]RuleSet{
		"date":   recognizeDate,
		"number": recognizeNumber,
		"email":  recognizeEmail,
		"month":  recognizeMonth,
	}}
	for name, set := range extra {
		r.sets[name] = set
	}
	return r
}

// Recognize implements Recognizer.
func (r *RulesRecognizer) Recognize(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := ""
	if req.Contract != nil {
		name = req.Contract.RuleSet
	}
	set, ok := r.sets[name]
	if !ok {
		return nil, fmt.Errorf("unknown rule set %q", name)
	}
	return set(utterance, req.Keys), nil
}

var monthNames = map[string]int{
	"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6,
	"july": 7, "august": 8, "september": 9, "october": 10, "november": 11, "december": 12,
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "jun": 6, "jul": 7, "aug": 8,
	"sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12,
	"gennaio": 1, "febbraio": 2, "marzo": 3, "aprile": 4, "maggio": 5, "giugno": 6,
	"luglio": 7, "agosto": 8, "settembre": 9, "ottobre": 10, "novembre": 11, "dicembre": 12,
}

const monthAlt = `(january|february|march|april|may|june|july|august|september|october|november|december|` +
	`gennaio|febbraio|marzo|aprile|maggio|giugno|luglio|agosto|settembre|ottobre|novembre|dicembre|` +
	`jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)`

var (
	reMonthDayYear = regexp.MustCompile(`\b` + monthAlt + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	reDayMonthYear = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+|di\s+)?` + monthAlt + `\.?,?\s+(\d{4})\b`)
	reISODate      = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	reNumericDate  = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})\b`)
	reMonthDay     = regexp.MustCompile(`\b` + monthAlt + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	reDayMonth     = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+|di\s+)?` + monthAlt + `\b`)
	reMonthYear    = regexp.MustCompile(`\b` + monthAlt + `\.?,?\s+(\d{4})\b`)
	reYear         = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	reNumber       = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
	reEmail        = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
)

// recognizeDate fills day, month and year. Purely numeric dates whose day and
// month could be swapped are reported with low confidence.
func recognizeDate(utterance string, keys []string) *models.PartialResult {
	s := strings.ToLower(utterance)
	var day, month, year int
	confidence := 0.0

	switch {
	case match(reMonthDayYear, s, func(m []string) bool {
		month, day, year = monthNames[m[1]], atoi(m[2]), atoi(m[3])
		return true
	}):
		confidence = 0.95
	case match(reDayMonthYear, s, func(m []string) bool {
		day, month, year = atoi(m[1]), monthNames[m[2]], atoi(m[3])
		return true
	}):
		confidence = 0.95
	case match(reISODate, s, func(m []string) bool {
		year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
		return true
	}):
		confidence = 0.95
	case match(reNumericDate, s, func(m []string) bool {
		a, b := atoi(m[1]), atoi(m[2])
		if a < 1 || b < 1 || (a > 12 && b > 12) || a > 31 || b > 31 {
			return false
		}
		year = atoi(m[3])
		switch {
		case a > 12 && b <= 12:
			day, month, confidence = a, b, 0.9
		case b > 12 && a <= 12:
			day, month, confidence = b, a, 0.9
		case a == b:
			day, month, confidence = a, b, 0.9
		default:
			day, month, confidence = a, b, 0.45
		}
		return true
	}):
	case match(reMonthDay, s, func(m []string) bool {
		month, day = monthNames[m[1]], atoi(m[2])
		return true
	}):
		confidence = 0.8
		if y := reYear.FindString(s); y != "" {
			year = atoi(y)
		}
	case match(reDayMonth, s, func(m []string) bool {
		day, month = atoi(m[1]), monthNames[m[2]]
		return true
	}):
		confidence = 0.8
	case match(reMonthYear, s, func(m []string) bool {
		month, year = monthNames[m[1]], atoi(m[2])
		return true
	}):
		confidence = 0.8
	case match(reYear, s, func(m []string) bool {
		year = atoi(m[1])
		return true
	}):
		confidence = 0.6
	default:
		return nil
	}

	if day != 0 && (day < 1 || day > 31) {
		day = 0
	}
	if month != 0 && (month < 1 || month > 12) {
		month = 0
	}
	values := make(map[string]any, 3)
	if day != 0 {
		values["day"] = day
	}
	if month != 0 {
		values["month"] = month
	}
	if year != 0 {
		values["year"] = year
	}
	if len(values) == 0 {
		return nil
	}
	if wantsValue(keys) {
		if len(values) < 3 {
			return nil
		}
		return &models.PartialResult{
			Values:     map[string]any{models.ValueKey: fmt.Sprintf("%04d-%02d-%02d", year, month, day)},
			Confidence: confidence,
		}
	}
	return &models.PartialResult{Values: values, Confidence: confidence}
}

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

func recognizeNumber(utterance string, _ []string) *models.PartialResult {
	if m := reNumber.FindString(utterance); m != "" {
		m = strings.Replace(m, ",", ".", 1)
		if strings.Contains(m, ".") {
			f, err := strconv.ParseFloat(m, 64)
			if err == nil {
				return &models.PartialResult{Values: map[string]any{models.ValueKey: f}, Confidence: 0.9}
			}
		}
		if n, err := strconv.Atoi(m); err == nil {
			return &models.PartialResult{Values: map[string]any{models.ValueKey: n}, Confidence: 0.9}
		}
	}
	for _, w := range strings.Fields(strings.ToLower(utterance)) {
		if n, ok := numberWords[strings.Trim(w, ".,!?")]; ok {
			return &models.PartialResult{Values: map[string]any{models.ValueKey: n}, Confidence: 0.7}
		}
	}
	return nil
}

// recognizeMonth fills the value of a month sub-field from a month name or
// its number.
func recognizeMonth(utterance string, _ []string) *models.PartialResult {
	for _, w := range strings.Fields(strings.ToLower(utterance)) {
		if n, ok := monthNames[strings.Trim(w, ".,!?")]; ok {
			return &models.PartialResult{Values: map[string]any{models.ValueKey: n}, Confidence: 0.95}
		}
	}
	if m := reNumber.FindString(utterance); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n >= 1 && n <= 12 {
			return &models.PartialResult{Values: map[string]any{models.ValueKey: n}, Confidence: 0.85}
		}
	}
	return nil
}

func recognizeEmail(utterance string, _ []string) *models.PartialResult {
	m := reEmail.FindString(utterance)
	if m == "" {
		return nil
	}
	return &models.PartialResult{Values: map[string]any{models.ValueKey: strings.ToLower(m)}, Confidence: 0.95}
}

func match(re *regexp.Regexp, s string, apply func([]string) bool) bool {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	return apply(m)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func wantsValue(keys []string) bool {
	return len(keys) == 1 && keys[0] == models.ValueKey
}
