package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wbattistetti/omnia/internal/dialogue"
	"github.com/wbattistetti/omnia/internal/models"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dialogue.ErrDialogueNotFound), errors.Is(err, dialogue.ErrUnknownField):
		return http.StatusNotFound
	case errors.Is(err, dialogue.ErrDialogueConcluded), errors.Is(err, dialogue.ErrTurnSuperseded):
		return http.StatusConflict
	case errors.Is(err, models.ErrUtteranceTooLong), errors.Is(err, models.ErrEmptyFieldID):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err)
		if code == http.StatusInternalServerError {
			writeJSONResponse(w, code, models.Error("Internal server error"))
			return
		}
	} else {
		slog.Debug("Server."+op+": request rejected", "status", code, "error", err)
	}
	writeJSONResponse(w, code, models.Error(err.Error()))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		slog.Warn("Server: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.ActiveCount != nil {
		health["active_dialogues"] = s.opts.ActiveCount()
	}
	writeJSONResponse(w, http.StatusOK, health)
}

func (s *Server) startDialogueHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartDialogueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	prompt, err := s.engine.StartDialogue(r.Context(), req.FieldID)
	if err != nil {
		writeError(w, "startDialogueHandler", err)
		return
	}
	w.Header().Set("Location", "/dialogues/"+prompt.DialogueID)
	writeJSONResponse(w, http.StatusCreated, models.Success(prompt))
}

func (s *Server) submitUtteranceHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UtteranceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	turn, err := s.engine.SubmitUtterance(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, "submitUtteranceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turn))
}

func (s *Server) promptHandler(w http.ResponseWriter, r *http.Request) {
	prompt, err := s.engine.GetCurrentPrompt(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "promptHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prompt))
}

func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GetResult(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "resultHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) abandonHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Abandon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "abandonHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) listResultsHandler(w http.ResponseWriter, r *http.Request) {
	results, err := s.opts.Results.ListResults(r.Context(), r.URL.Query().Get("field_id"))
	if err != nil {
		writeError(w, "listResultsHandler", err)
		return
	}
	if results == nil {
		results = []models.DialogueResult{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(results))
}

func (s *Server) setTranslationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TranslationEntry
	if !decodeJSON(w, r, &req) {
		return
	}
	key := chi.URLParam(r, "key")
	if req.Value == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("value is required"))
		return
	}
	if err := s.opts.Translations.SetTranslation(r.Context(), key, req.Value); err != nil {
		writeError(w, "setTranslationHandler", err)
		return
	}
	slog.Info("Server.setTranslationHandler: translation updated", "key", key)
	writeJSONResponse(w, http.StatusOK, models.Success(models.TranslationEntry{Key: key, Value: req.Value}))
}

func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		ID          string   `json:"id"`
		FieldID     string   `json:"field_id"`
		Description string   `json:"description,omitempty"`
		Keys        []string `json:"keys"`
	}
	templates := s.opts.Catalog.Templates()
	out := make([]summary, 0, len(templates))
	for _, t := range templates {
		keys := t.Field.CanonicalKeys()
		if t.Field.Contract != nil {
			keys = t.Field.Contract.CanonicalKeys()
		}
		out = append(out, summary{ID: t.ID, FieldID: t.Field.ID, Description: t.Description, Keys: keys})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}
