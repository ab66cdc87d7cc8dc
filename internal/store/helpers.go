package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wbattistetti/omnia/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeValues converts collected values to a JSON string for storage.
func encodeValues(values map[string]any) (interface{}, error) {
	if len(values) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode values: %w", err)
	}
	return string(b), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanResult scans a DialogueResult from a dialogue_results row.
func scanResult(row rowScanner) (models.DialogueResult, error) {
	var r models.DialogueResult
	var phase string
	var valuesJSON []byte
	var method sql.NullString
	var concludedAt sql.NullTime
	err := row.Scan(
		&r.DialogueID, &r.TemplateID, &r.FieldID, &phase, &valuesJSON,
		&r.Confidence, &method, &r.Confirmed, &r.StartedAt, &concludedAt,
	)
	if err != nil {
		return r, fmt.Errorf("scan dialogue result failed: %w", err)
	}
	r.Phase = models.Phase(phase)
	r.Method = models.Method(method.String)
	if concludedAt.Valid {
		t := concludedAt.Time
		r.ConcludedAt = &t
	}
	if len(valuesJSON) > 0 {
		if err := json.Unmarshal(valuesJSON, &r.Values); err != nil {
			// Keep the row usable without its values rather than failing the listing
			slog.Error("store.scanResult: values unmarshal failed", "error", err, "dialogueID", r.DialogueID)
			r.Values = nil
		}
	}
	return r, nil
}

const resultColumns = `dialogue_id, template_id, field_id, phase, values_json, confidence, method, confirmed, started_at, concluded_at`
