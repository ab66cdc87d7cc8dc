package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

// mockEmbeddingService implements embeddingService for testing.
type mockEmbeddingService struct {
	resp openai.CreateEmbeddingResponse
	err  error
}

func (m *mockEmbeddingService) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("Hello World")}, model: "test-model"}
	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestCompleteJSON(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"values": {"day": 3}, "confidence": 0.9}`)}
	client := &Client{chat: mock, model: "test-model"}

	var out struct {
		Values     map[string]any `json:"values"`
		Confidence float64        `json:"confidence"`
	}
	if err := client.CompleteJSON(context.Background(), "sys", "usr", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Confidence != 0.9 || out.Values["day"] != float64(3) {
		t.Errorf("unexpected decode result %+v", out)
	}
	if mock.params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format to be requested")
	}
}

func TestCompleteJSON_InvalidJSON(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("Not JSON")}}
	var out map[string]any
	err := client.CompleteJSON(context.Background(), "sys", "usr", &out)
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestEmbed(t *testing.T) {
	mock := &mockEmbeddingService{resp: openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{
			{Index: 1, Embedding: []float64{0, 1}},
			{Index: 0, Embedding: []float64{1, 0}},
		},
	}}
	client := &Client{embeddings: mock, embeddingModel: "test-embedding"}
	vecs, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not ordered by index: %v", vecs)
	}
}

func TestEmbed_Short(t *testing.T) {
	client := &Client{embeddings: &mockEmbeddingService{}}
	if _, err := client.Embed(context.Background(), []string{"a"}); !errors.Is(err, ErrNoEmbeddings) {
		t.Errorf("expected ErrNoEmbeddings, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTemperature(0.1))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.embeddingModel != DefaultEmbeddingModel {
		t.Errorf("unexpected models %q / %q", cli.model, cli.embeddingModel)
	}
}
