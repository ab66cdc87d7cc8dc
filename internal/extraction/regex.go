package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/wbattistetti/omnia/internal/models"
)

// DefaultPatternConfidence is reported by a pattern that does not set its own.
const DefaultPatternConfidence = 0.9

// RegexRecognizer matches the patterns declared by the contract. Named groups
// fill the canonical key of the same name; a pattern without named groups fills
// "value" with the whole match.
type RegexRecognizer struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewRegexRecognizer creates a RegexRecognizer.
func NewRegexRecognizer() *RegexRecognizer {
	return &RegexRecognizer{compiled: make(map[string]*regexp.Regexp)}
}

// Recognize implements Recognizer.
func (r *RegexRecognizer) Recognize(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
	if req.Contract == nil || len(req.Contract.Patterns) == 0 {
		return nil, fmt.Errorf("contract declares no patterns")
	}
	for _, p := range req.Contract.Patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		re, err := r.compile(p.Expr)
		if err != nil {
			return nil, err
		}
		m := re.FindStringSubmatch(utterance)
		if m == nil {
			continue
		}
		values := make(map[string]any)
		for i, name := range re.SubexpNames() {
			if i == 0 || name == "" || m[i] == "" {
				continue
			}
			values[name] = scalar(m[i])
		}
		if len(values) == 0 {
			values[models.ValueKey] = scalar(m[0])
		}
		conf := p.Confidence
		if conf <= 0 {
			conf = DefaultPatternConfidence
		}
		return &models.PartialResult{Values: values, Confidence: conf}, nil
	}
	return nil, nil
}

func (r *RegexRecognizer) compile(expr string) (*regexp.Regexp, error) {
	r.mu.RLock()
	re, ok := r.compiled[expr]
	r.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	r.mu.Lock()
	r.compiled[expr] = re
	r.mu.Unlock()
	return re, nil
}

// scalar turns integer captures into ints and leaves everything else as text.
func scalar(s string) any {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
