package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wbattistetti/omnia/internal/models"
)

// JSONCompleter is the slice of the GenAI client the LLM recognizer needs.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error
}

// Embedder is the slice of the GenAI client the embeddings recognizer needs.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float64, error)
}

// remoteAnswer is the payload returned by the LLM and the NER service.
type remoteAnswer struct {
	Values     map[string]any `json:"values"`
	Confidence float64        `json:"confidence"`
}

func (a remoteAnswer) partial(keys []string) *models.PartialResult {
	values := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := a.Values[k]; ok && v != nil && v != "" {
			values[k] = normalizeNumber(v)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return &models.PartialResult{Values: values, Confidence: a.Confidence}
}

// normalizeNumber turns integral JSON numbers into ints so they compare like
// the values produced by local recognizers.
func normalizeNumber(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return int(f)
	}
	return v
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

const llmSystemPrompt = `You extract structured values from a single user utterance.
Reply with a JSON object {"values": {...}, "confidence": number between 0 and 1}.
Only use these keys in "values": %s. Omit a key or set it to null when the utterance does not state it.
Never guess values that are not in the utterance. Lower the confidence when the utterance is ambiguous.`

// LLMRecognizer asks a language model to fill the canonical keys.
type LLMRecognizer struct {
	client  JSONCompleter
	limiter *rate.Limiter
}

// NewLLMRecognizer creates an LLMRecognizer. limiter may be nil.
func NewLLMRecognizer(client JSONCompleter, limiter *rate.Limiter) *LLMRecognizer {
	return &LLMRecognizer{client: client, limiter: limiter}
}

// Recognize implements Recognizer.
func (r *LLMRecognizer) Recognize(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
	if err := wait(ctx, r.limiter); err != nil {
		return nil, err
	}
	system := fmt.Sprintf(llmSystemPrompt, strings.Join(req.Keys, ", "))
	if req.Contract != nil && req.Contract.Instructions != "" {
		system += "\n" + req.Contract.Instructions
	}
	var answer remoteAnswer
	if err := r.client.CompleteJSON(ctx, system, utterance, &answer); err != nil {
		return nil, fmt.Errorf("llm recognizer: %w", err)
	}
	return answer.partial(req.Keys), nil
}

// DefaultNERTimeout bounds the HTTP client of the NER recognizer.
const DefaultNERTimeout = 5 * time.Second

// NERRecognizer calls an external named entity recognition service over HTTP.
//
// The service receives {"text", "entity", "keys"} and answers with
// {"values": {...}, "confidence": n}.
type NERRecognizer struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewNERRecognizer creates a NERRecognizer posting to url.
func NewNERRecognizer(url string, client *http.Client, limiter *rate.Limiter) *NERRecognizer {
	if client == nil {
		client = &http.Client{Timeout: DefaultNERTimeout}
	}
	return &NERRecognizer{url: url, client: client, limiter: limiter}
}

type nerRequest struct {
	Text   string   `json:"text"`
	Entity string   `json:"entity,omitempty"`
	Keys   []string `json:"keys"`
}

// Recognize implements Recognizer.
func (r *NERRecognizer) Recognize(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
	if err := wait(ctx, r.limiter); err != nil {
		return nil, err
	}
	body := nerRequest{Text: utterance, Keys: req.Keys}
	if req.Contract != nil {
		body.Entity = req.Contract.Entity
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ner recognizer: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ner recognizer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("ner recognizer: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var answer remoteAnswer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("ner recognizer: invalid response: %w", err)
	}
	return answer.partial(req.Keys), nil
}

// DefaultMinSimilarity is the cosine similarity below which the embeddings
// recognizer reports nothing.
const DefaultMinSimilarity = 0.8

var errNoExamples = errors.New("contract has no canonical examples to compare against")

// EmbeddingsRecognizer maps an utterance onto the closest canonical example of
// the contract by cosine similarity. Confidence is the similarity.
type EmbeddingsRecognizer struct {
	embedder      Embedder
	limiter       *rate.Limiter
	minSimilarity float64

	mu    sync.Mutex
	cache map[string][]float64
}

// NewEmbeddingsRecognizer creates an EmbeddingsRecognizer. A non-positive
// minSimilarity selects DefaultMinSimilarity.
func NewEmbeddingsRecognizer(embedder Embedder, limiter *rate.Limiter, minSimilarity float64) *EmbeddingsRecognizer {
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return &EmbeddingsRecognizer{
		embedder:      embedder,
		limiter:       limiter,
		minSimilarity: minSimilarity,
		cache:         make(map[string][]float64),
	}
}

// Recognize implements Recognizer.
func (r *EmbeddingsRecognizer) Recognize(ctx context.Context, utterance string, req Request) (*models.PartialResult, error) {
	if req.Contract == nil {
		return nil, errNoExamples
	}
	// Only buckets with trustworthy expectations serve as anchors.
	var anchors []models.CanonicalExample
	for _, group := range [][]models.CanonicalExample{req.Contract.Canonical.Complete, req.Contract.Canonical.Partial, req.Contract.Canonical.Noisy} {
		for _, ex := range group {
			if ex.Expected != nil && strings.TrimSpace(ex.Input) != "" {
				anchors = append(anchors, ex)
			}
		}
	}
	if len(anchors) == 0 {
		return nil, errNoExamples
	}

	r.mu.Lock()
	inputs := []string{utterance}
	for _, ex := range anchors {
		if _, ok := r.cache[ex.Input]; !ok {
			inputs = append(inputs, ex.Input)
		}
	}
	r.mu.Unlock()

	if err := wait(ctx, r.limiter); err != nil {
		return nil, err
	}
	vectors, err := r.embedder.Embed(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("embeddings recognizer: %w", err)
	}
	if len(vectors) != len(inputs) {
		return nil, fmt.Errorf("embeddings recognizer: got %d vectors for %d inputs", len(vectors), len(inputs))
	}

	r.mu.Lock()
	for i, in := range inputs[1:] {
		r.cache[in] = vectors[i+1]
	}
	best, bestSim := -1, -1.0
	for i, ex := range anchors {
		if sim := cosine(vectors[0], r.cache[ex.Input]); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	r.mu.Unlock()

	if best < 0 || bestSim < r.minSimilarity {
		slog.Debug("EmbeddingsRecognizer.Recognize: no close example", "field", req.FieldID, "similarity", bestSim)
		return nil, nil
	}
	answer := remoteAnswer{Values: anchors[best].Expected, Confidence: bestSim}
	return answer.partial(req.Keys), nil
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
