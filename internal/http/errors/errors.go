package errors

import (
	"encoding/json"
	stderrors "errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jw6ventures/calremind/internal/events"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the body of every API response.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON writes body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[ERROR] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, Envelope{Status: StatusError, Message: message, Data: data})
}

// InternalError logs err and answers with a generic 500.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	LogError(r, message, err)

	// Return generic error to client
	writeError(w, http.StatusInternalServerError, "internal server error", nil)
}

// BadRequestError logs err and answers 400 with clientMessage.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[WARN] RequestID=%s: bad request: %v", requestID, err)
	} else {
		log.Printf("[WARN] bad request: %v", err)
	}

	writeError(w, http.StatusBadRequest, clientMessage, nil)
}

// ConflictError logs err and answers 409 with clientMessage.
func ConflictError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[WARN] RequestID=%s: conflict: %v", requestID, err)
	} else {
		log.Printf("[WARN] conflict: %v", err)
	}

	writeError(w, http.StatusConflict, clientMessage, nil)
}

// ServiceError maps event service errors to status codes. Anything
// unrecognized is logged and reported as an internal error.
func ServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *events.ValidationError
	switch {
	case stderrors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error(), map[string]string{"field": verr.Field})
	case stderrors.Is(err, events.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found", nil)
	case stderrors.Is(err, events.ErrForbidden):
		writeError(w, http.StatusForbidden, "access denied", nil)
	default:
		InternalError(w, r, err, "request failed")
	}
}

// LogError logs err tagged with the request id, if any.
func LogError(r *http.Request, message string, err error) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[ERROR] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[ERROR] %s: %v", message, err)
	}
}
