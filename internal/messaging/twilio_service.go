package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/wbattistetti/omnia/internal/models"
	"github.com/wbattistetti/omnia/internal/twiliowhatsapp"
)

// TwilioOpts configures a TwilioService.
type TwilioOpts struct {
	AuthToken  string
	WebhookURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioOpts)

// WithWebhookValidation makes the webhook reject requests whose
// X-Twilio-Signature does not match authToken for the public webhook URL.
func WithWebhookValidation(authToken, webhookURL string) TwilioOption {
	return func(o *TwilioOpts) {
		o.AuthToken = authToken
		o.WebhookURL = webhookURL
	}
}

// TwilioService implements Service on top of the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	validator  *twilioclient.RequestValidator
	webhookURL string
	responses  chan models.Response
	mu         sync.RWMutex
	stopped    bool
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &TwilioService{
		client:     client,
		webhookURL: cfg.WebhookURL,
		responses:  make(chan models.Response, DefaultChannelBufferSize),
	}
	if cfg.AuthToken != "" {
		v := twilioclient.NewRequestValidator(cfg.AuthToken)
		s.validator = &v
	}
	return s
}

// ValidateAndCanonicalizeRecipient keeps the digits of a phone number and
// drops the "whatsapp:" prefix Twilio adds.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(strings.TrimPrefix(recipient, "whatsapp:"))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound traffic is pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel. Later webhook calls are dropped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if body == "" {
		return models.ErrEmptyMessageBody
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Responses returns the channel of inbound messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them
// on the Responses channel. A message without text (media only) is forwarded
// with an empty body, which the dialogue treats as no input.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	if from == "" {
		slog.Warn("Twilio webhook missing sender")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid sender: %v", err), http.StatusBadRequest)
		return
	}

	response := models.Response{
		ID:   r.FormValue("MessageSid"),
		From: canonical,
		Body: r.FormValue("Body"),
		Time: time.Now().Unix(),
	}
	slog.Info("Inbound WhatsApp message from Twilio", "from", response.From, "sid", response.ID, "body_length", len(response.Body))

	if !s.emit(response) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	// Twilio expects TwiML; an empty response sends nothing back.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

// emit pushes an inbound message unless the service is stopped or the channel
// stays full past DefaultChannelTimeout.
func (s *TwilioService) emit(response models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return false
	}
	select {
	case s.responses <- response:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
		return false
	}
}
