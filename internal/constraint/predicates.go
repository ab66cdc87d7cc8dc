package constraint

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wbattistetti/omnia/internal/models"
)

// Predicate is a named validation rule compiled into the binary. vars are a
// private copy and may be read freely.
type Predicate func(vars map[string]any, params map[string]any) Result

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Predicate)
)

// Register associates a predicate name with its implementation.
func Register(name string, p Predicate) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = p
}

// Get retrieves a registered predicate.
func Get(name string) (Predicate, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Register built-in predicates
func init() {
	Register("required", required)
	Register("range", inRange)
	Register("pattern", pattern)
	Register("oneOf", oneOf)
	Register("calendarDate", calendarDate)
}

// target returns the variable a predicate inspects: params["key"] or "value".
func target(vars, params map[string]any) (string, any, bool) {
	key := models.ValueKey
	if k, ok := params["key"].(string); ok && k != "" {
		key = k
	}
	v, ok := vars[key]
	return key, v, ok
}

func required(vars, params map[string]any) Result {
	key, v, ok := target(vars, params)
	if !ok || v == nil || strings.TrimSpace(fmt.Sprint(v)) == "" {
		return Violation(fmt.Sprintf("%s is required", key))
	}
	return OK()
}

func inRange(vars, params map[string]any) Result {
	key, v, ok := target(vars, params)
	if !ok {
		return OK()
	}
	n, err := toNumber(v)
	if err != nil {
		return Failed(fmt.Errorf("range: %s: %w", key, err))
	}
	if lo, ok := params["min"]; ok {
		bound, err := toNumber(lo)
		if err != nil {
			return Failed(fmt.Errorf("range: min: %w", err))
		}
		if n < bound {
			return Violation(fmt.Sprintf("%s must be at least %v", key, lo))
		}
	}
	if hi, ok := params["max"]; ok {
		bound, err := toNumber(hi)
		if err != nil {
			return Failed(fmt.Errorf("range: max: %w", err))
		}
		if n > bound {
			return Violation(fmt.Sprintf("%s must be at most %v", key, hi))
		}
	}
	return OK()
}

func pattern(vars, params map[string]any) Result {
	key, v, ok := target(vars, params)
	if !ok {
		return OK()
	}
	expr, _ := params["expr"].(string)
	if expr == "" {
		return Failed(fmt.Errorf("pattern: missing expr"))
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Failed(fmt.Errorf("pattern: %w", err))
	}
	if !re.MatchString(fmt.Sprint(v)) {
		return Violation(fmt.Sprintf("%s has an unexpected format", key))
	}
	return OK()
}

func oneOf(vars, params map[string]any) Result {
	key, v, ok := target(vars, params)
	if !ok {
		return OK()
	}
	allowed, _ := params["values"].([]any)
	if len(allowed) == 0 {
		return Failed(fmt.Errorf("oneOf: missing values"))
	}
	for _, a := range allowed {
		if models.SameValue(a, v) {
			return OK()
		}
	}
	return Violation(fmt.Sprintf("%s is not an accepted value", key))
}

// calendarDate checks that day, month and year form a real date. Missing parts
// are not checked; minYear and maxYear bound the year when given.
func calendarDate(vars, params map[string]any) Result {
	parts := map[string]string{"day": "day", "month": "month", "year": "year"}
	for name := range parts {
		if k, ok := params[name+"Key"].(string); ok && k != "" {
			parts[name] = k
		}
	}
	get := func(name string) (int, bool, error) {
		raw, ok := vars[parts[name]]
		if !ok || raw == nil {
			return 0, false, nil
		}
		n, err := toNumber(raw)
		if err != nil {
			return 0, true, fmt.Errorf("calendarDate: %s: %w", name, err)
		}
		return int(n), true, nil
	}
	day, hasDay, err := get("day")
	if err != nil {
		return Failed(err)
	}
	month, hasMonth, err := get("month")
	if err != nil {
		return Failed(err)
	}
	year, hasYear, err := get("year")
	if err != nil {
		return Failed(err)
	}

	if hasMonth && (month < 1 || month > 12) {
		return Violation("month must be between 1 and 12")
	}
	if hasYear {
		if lo, ok := params["minYear"]; ok {
			if n, err := toNumber(lo); err == nil && float64(year) < n {
				return Violation(fmt.Sprintf("year must not be before %v", lo))
			}
		}
		if hi, ok := params["maxYear"]; ok {
			if n, err := toNumber(hi); err == nil && float64(year) > n {
				return Violation(fmt.Sprintf("year must not be after %v", hi))
			}
		}
	}
	if hasDay {
		last := 31
		if hasMonth {
			y := year
			if !hasYear {
				y = 2000 // leap year, so 29 February stays possible
			}
			last = time.Date(y, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
		}
		if day < 1 || day > last {
			return Violation(fmt.Sprintf("day must be between 1 and %d", last))
		}
	}
	return OK()
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%v (%T) is not a number", v, v)
	}
}
