package models

import (
	"errors"
	"strings"
)

// Validation constants for API input validation
const (
	// MaxUtteranceLength defines the maximum accepted length of a user utterance
	MaxUtteranceLength = 4096
)

// Error variables for request validation
var (
	ErrEmptyFieldID     = errors.New("field_id is required")
	ErrUtteranceTooLong = errors.New("utterance exceeds maximum length")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrEmptyMessageBody = errors.New("message body cannot be empty")
)

// StartDialogueRequest is the body of POST /dialogues.
type StartDialogueRequest struct {
	FieldID string `json:"field_id"`
}

// Validate checks the start request.
func (r StartDialogueRequest) Validate() error {
	if strings.TrimSpace(r.FieldID) == "" {
		return ErrEmptyFieldID
	}
	return nil
}

// UtteranceRequest is the body of POST /dialogues/{id}/utterances. An empty
// text is a valid no-input event.
type UtteranceRequest struct {
	Text string `json:"text"`
}

// Validate checks the utterance request.
func (r UtteranceRequest) Validate() error {
	if len(r.Text) > MaxUtteranceLength {
		return ErrUtteranceTooLong
	}
	return nil
}

// Response represents an incoming message from a messaging channel. ID is the
// channel's message id and is used to drop redeliveries.
type Response struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
