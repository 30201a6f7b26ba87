package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
)

// envelope is the uniform response shape of the API.
type envelope struct {
	Success  bool      `json:"success"`
	Data     any       `json:"data,omitempty"`
	Error    *errBody  `json:"error,omitempty"`
	Metadata *metadata `json:"metadata"`
}

type errBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{
		Success:  true,
		Data:     data,
		Metadata: &metadata{Timestamp: time.Now().UTC(), RequestID: requestIDFromContext(r.Context())},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := &errBody{Code: string(apperrors.KindOf(err)), Message: err.Error()}
	var e *apperrors.Error
	if errors.As(err, &e) {
		body.Message = e.Msg
		body.Fields = e.Fields
	}
	writeJSON(w, apperrors.HTTPStatus(err), envelope{
		Success:  false,
		Error:    body,
		Metadata: &metadata{Timestamp: time.Now().UTC(), RequestID: requestIDFromContext(r.Context())},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
