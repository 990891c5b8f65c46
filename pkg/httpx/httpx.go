package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// StatusFor maps a domain error code onto an HTTP status.
func StatusFor(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidTransition, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeDegenerateSignature, domain.CodeMalformedSignatureImage, domain.CodeUnknownTemplate:
		return http.StatusUnprocessableEntity
	case domain.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError writes err using its domain code. Errors without one are
// reported as INTERNAL with a generic message.
func WriteDomainError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	var details any
	if len(de.Metadata) > 0 {
		details = de.Metadata
	}
	WriteError(w, StatusFor(de.Code), string(de.Code), de.Error(), details)
}
