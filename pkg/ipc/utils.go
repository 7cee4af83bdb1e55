package ipc

import (
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"time"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
)

var errForbidden = stdliberrors.New("forbidden")

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Code      string `json:"code,omitempty"`
	Timestamp string `json:"timestamp"`
}

// respondError sends a JSON error. The message is the client-facing
// description; codes are included for tooling.
func respondError(w http.ResponseWriter, status int, err error) {
	response := errorResponse{
		Error:     http.StatusText(status),
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		response.Error = rnerrors.Describe(err)
		var rnErr *rnerrors.Error
		if stdliberrors.As(err, &rnErr) {
			response.Code = string(rnErr.Code)
		}
	}
	respondJSON(w, status, response)
}

// statusForError maps error codes onto HTTP statuses.
func statusForError(err error) int {
	switch rnerrors.GetCode(err) {
	case rnerrors.ErrCodeValidation, rnerrors.ErrCodeInvalidArguments:
		return http.StatusBadRequest
	case rnerrors.ErrCodeClonePolicy:
		return http.StatusForbidden
	case rnerrors.ErrCodeRepoSync:
		return http.StatusBadGateway
	case rnerrors.ErrCodeJobTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
