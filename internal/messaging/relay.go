package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/wbattistetti/omnia/internal/dialogue"
	"github.com/wbattistetti/omnia/internal/models"
	"github.com/wbattistetti/omnia/internal/store"
)

// Dialogues is the part of the dialogue engine the relay drives.
type Dialogues interface {
	StartDialogue(ctx context.Context, fieldID string) (models.Prompt, error)
	SubmitUtterance(ctx context.Context, dialogueID, text string) (models.Turn, error)
}

// Relay binds chat senders to dialogues. The first message of a sender opens a
// dialogue for the relay's field; later messages are its utterances. Prompts
// are sent back through the service.
type Relay struct {
	svc     Service
	engine  Dialogues
	dedup   store.DedupRepo
	fieldID string

	mu       sync.Mutex
	bySender map[string]string
	byDialog map[string]string
}

// NewRelay creates a relay collecting fieldID from every sender. dedup may be
// nil, in which case redelivered messages are processed again.
func NewRelay(svc Service, engine Dialogues, dedup store.DedupRepo, fieldID string) *Relay {
	return &Relay{
		svc:      svc,
		engine:   engine,
		dedup:    dedup,
		fieldID:  fieldID,
		bySender: make(map[string]string),
		byDialog: make(map[string]string),
	}
}

// Run handles inbound messages until ctx is done or the service closes its
// responses channel.
func (r *Relay) Run(ctx context.Context) error {
	responses := r.svc.Responses()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				slog.Info("Relay.Run: responses channel closed")
				return nil
			}
			if err := r.Handle(ctx, resp); err != nil {
				slog.Error("Relay.Run: failed to handle message", "from", resp.From, "error", err)
			}
		}
	}
}

// Handle processes one inbound message.
func (r *Relay) Handle(ctx context.Context, resp models.Response) error {
	sender, err := r.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		return err
	}
	if r.dedup != nil && resp.ID != "" {
		first, err := r.dedup.RecordInbound(ctx, resp.ID, sender)
		if err != nil {
			slog.Warn("Relay.Handle: dedup check failed, processing anyway", "id", resp.ID, "error", err)
		} else if !first {
			slog.Debug("Relay.Handle: duplicate message dropped", "id", resp.ID, "from", sender)
			return nil
		}
	}

	r.mu.Lock()
	dialogueID, active := r.bySender[sender]
	r.mu.Unlock()
	if !active {
		return r.open(ctx, sender)
	}

	turn, err := r.engine.SubmitUtterance(ctx, dialogueID, resp.Body)
	switch {
	case errors.Is(err, dialogue.ErrTurnSuperseded):
		return nil
	case errors.Is(err, dialogue.ErrDialogueConcluded), errors.Is(err, dialogue.ErrDialogueNotFound):
		r.forget(dialogueID)
		return r.open(ctx, sender)
	case err != nil:
		return err
	}
	return r.deliver(ctx, sender, turn)
}

// HandleTimeout sends the re-prompt the engine produced when a sender went
// quiet. Register it with the engine's OnTimeout hook.
func (r *Relay) HandleTimeout(turn models.Turn) {
	r.mu.Lock()
	sender, ok := r.byDialog[turn.DialogueID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.deliver(context.Background(), sender, turn); err != nil {
		slog.Error("Relay.HandleTimeout: failed to send re-prompt", "dialogueID", turn.DialogueID, "error", err)
	}
}

// Active returns the number of senders with an open dialogue.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySender)
}

func (r *Relay) open(ctx context.Context, sender string) error {
	prompt, err := r.engine.StartDialogue(ctx, r.fieldID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.bySender[sender] = prompt.DialogueID
	r.byDialog[prompt.DialogueID] = sender
	r.mu.Unlock()
	slog.Info("Relay: dialogue opened", "from", sender, "dialogueID", prompt.DialogueID, "field", r.fieldID)
	return r.send(ctx, sender, prompt)
}

func (r *Relay) deliver(ctx context.Context, sender string, turn models.Turn) error {
	if turn.Phase.Concluded() {
		r.forget(turn.DialogueID)
	}
	return r.send(ctx, sender, turn.Prompt)
}

func (r *Relay) send(ctx context.Context, sender string, prompt models.Prompt) error {
	body := strings.Join(prompt.Texts(), "\n")
	if body == "" {
		return nil
	}
	return r.svc.SendMessage(ctx, sender, body)
}

func (r *Relay) forget(dialogueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sender, ok := r.byDialog[dialogueID]; ok {
		delete(r.bySender, sender)
		delete(r.byDialog, dialogueID)
	}
}
