// Package transport contains the HTTP router, middleware chain, and request
// handlers for the stepflow admin API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/stepflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrUnauthorized:    http.StatusUnauthorized,
	model.ErrForbidden:       http.StatusForbidden,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrInternalError:   http.StatusInternalServerError,

	model.ErrLockBusy:           http.StatusLocked,
	model.ErrLockUnavailable:    http.StatusServiceUnavailable,
	model.ErrExecutionExists:    http.StatusConflict,
	model.ErrNoExecution:        http.StatusNotFound,
	model.ErrDefinitionInactive: http.StatusConflict,
	model.ErrLabelNotFound:      http.StatusUnprocessableEntity,
	model.ErrStepFailed:         http.StatusUnprocessableEntity,
	model.ErrNoErrorCode:        http.StatusUnprocessableEntity,
	model.ErrNoStatus:           http.StatusUnprocessableEntity,
	model.ErrInvalidVariable:    http.StatusUnprocessableEntity,
	model.ErrStepNotFound:       http.StatusUnprocessableEntity,
	model.ErrFactoryNotFound:    http.StatusUnprocessableEntity,
	model.ErrFactoryMismatch:    http.StatusUnprocessableEntity,
	model.ErrNoLabel:            http.StatusUnprocessableEntity,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// envelopeFor unwraps err into the envelope sent to the client. A recorded
// step failure is reported with its engine code; anything unrecognised
// becomes a generic INTERNAL_ERROR.
func envelopeFor(err error) *model.ErrorEnvelope {
	var sf *model.StepFailure
	if errors.As(err, &sf) {
		return sf.Envelope()
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		cp := *ee
		return &cp
	}
	return model.NewInternalError()
}

// httpStatus returns the HTTP status for an envelope code.
func httpStatus(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes err as a JSON error envelope with the matching HTTP
// status code.
func WriteError(w http.ResponseWriter, err error) {
	writeEnvelope(w, envelopeFor(err))
}

func writeEnvelope(w http.ResponseWriter, ee *model.ErrorEnvelope) {
	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, httpStatus(ee.Code), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
