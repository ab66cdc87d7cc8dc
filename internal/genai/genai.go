// Package genai provides the OpenAI operations used by the remote recognizers.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Default models used when none is configured.
const (
	DefaultModel          = string(openai.ChatModelGPT4oMini)
	DefaultEmbeddingModel = string(openai.EmbeddingModelTextEmbedding3Small)
)

var (
	// ErrNoAPIKey is returned by NewClient when no API key is configured.
	ErrNoAPIKey = errors.New("OpenAI API key not set")
	// ErrNoChoicesReturned is returned when a completion carries no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoEmbeddings is returned when the embedding response is shorter than the input.
	ErrNoEmbeddings = errors.New("no embeddings returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// embeddingService defines minimal interface for embeddings.
type embeddingService interface {
	Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error)
}

type chatAdapter struct {
	svc openai.ChatCompletionService
}

func (a chatAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type embeddingAdapter struct {
	svc openai.EmbeddingService
}

func (a embeddingAdapter) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.CreateEmbeddingResponse{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	EmbeddingModel      string
	Temperature         float64
	MaxCompletionTokens int
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL points the client at an OpenAI compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) {
		o.EmbeddingModel = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) {
		o.Temperature = temp
	}
}

// WithMaxCompletionTokens caps the completion length.
func WithMaxCompletionTokens(n int) Option {
	return func(o *Opts) {
		o.MaxCompletionTokens = n
	}
}

// Client wraps the OpenAI chat and embedding services.
type Client struct {
	chat                chatService
	embeddings          embeddingService
	model               string
	embeddingModel      string
	temperature         float64
	maxCompletionTokens int
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		EmbeddingModel: DefaultEmbeddingModel,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "embeddingModel", cfg.EmbeddingModel)
	return &Client{
		chat:                chatAdapter{svc: cli.Chat.Completions},
		embeddings:          embeddingAdapter{svc: cli.Embeddings},
		model:               cfg.Model,
		embeddingModel:      cfg.EmbeddingModel,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxCompletionTokens))
	}
	return params
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := c.params([]openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.GeneratePrompt: completion failed", "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON asks the model for a JSON object and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	params := c.params([]openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
	format := shared.NewResponseFormatJSONObjectParam()
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &format}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.CompleteJSON: completion failed", "error", err)
		return err
	}
	if len(resp.Choices) == 0 {
		return ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		slog.Warn("Client.CompleteJSON: model returned invalid JSON", "error", err, "contentLength", len(content))
		return fmt.Errorf("failed to decode model output: %w", err)
	}
	return nil
}

// Embed returns one embedding vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := c.embeddings.Create(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		slog.Error("Client.Embed: embedding request failed", "error", err, "inputs", len(inputs))
		return nil, err
	}
	if len(resp.Data) < len(inputs) {
		return nil, ErrNoEmbeddings
	}
	vectors := make([][]float64, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(inputs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
