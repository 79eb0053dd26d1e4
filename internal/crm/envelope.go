package crm

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Envelope is the normalized response shape for every proxied action. All
// three keys are always present; absent values serialize as JSON null.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	SessionID *string         `json:"sessionId"`
}

// NewEnvelope builds the envelope and HTTP status for one call outcome.
// sessionID is the session the caller should continue with, empty for none.
func NewEnvelope(result Result, callErr error, sessionID string) (Envelope, int) {
	env := Envelope{Data: result.Data}
	if sessionID != "" {
		env.SessionID = &sessionID
	}
	if callErr == nil {
		return env, http.StatusOK
	}

	message := callErr.Error()
	env.Error = &message
	env.Data = nil

	var inputErr *InputError
	var backendErr *BackendError
	switch {
	case errors.As(callErr, &inputErr):
		return env, http.StatusBadRequest
	case errors.As(callErr, &backendErr):
		return env, backendErr.Status
	default:
		return env, http.StatusBadGateway
	}
}
