package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	ErrSelfMessage        = fmt.Errorf("cannot target yourself")
	ErrNotFound           = fmt.Errorf("conversation not found")
	ErrForbidden          = fmt.Errorf("not a participant of this conversation")
	ErrValidationFailed   = fmt.Errorf("validation failed")
	ErrConflict           = fmt.Errorf("conversation creation conflict")
	ErrStorageUnavailable = fmt.Errorf("storage unavailable")
	ErrUnauthenticated    = fmt.Errorf("unauthenticated")
	ErrUserNotFound       = fmt.Errorf("user not found")
	ErrUserAlreadyExists  = fmt.Errorf("user already exists")

	ErrSinkClosed = fmt.Errorf("sink closed")
	ErrSinkFull   = fmt.Errorf("sink buffer full")
)

// MapToHTTPStatus gives every error a distinct status and code.
// NotFound and Forbidden share one outcome so that non participants
// cannot discover which conversations exist.
func MapToHTTPStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrSelfMessage):
		return http.StatusBadRequest, "self_message"
	case errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, ErrUserAlreadyExists):
		return http.StatusConflict, "user_already_exists"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
