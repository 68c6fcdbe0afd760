package common

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound           = errors.New("requested resource not found")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrForbidden          = errors.New("forbidden access")
	ErrBadRequest         = errors.New("bad request")
	ErrConflict           = errors.New("resource conflict") // e.g., username already exists
	ErrInternalServer     = errors.New("internal server error")
	ErrValidation         = errors.New("validation failed")
	ErrServiceUnavailable = errors.New("service unavailable") // e.g. docker daemon unreachable
	ErrVersionConflict    = errors.New("room state version conflict")

	// Execution taxonomy. These are recovered at the sandbox boundary and
	// converted into a structured result; they never propagate as uncaught
	// failures past the execution service.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrProvisioning        = errors.New("execution runtime could not be provisioned")

	// Battle lifecycle.
	ErrBattleNotStarted   = errors.New("battle has not started")
	ErrBattleEnded        = errors.New("battle has already ended")
	ErrBattleStarted      = errors.New("battle has already started")
	ErrNotRoomParticipant = errors.New("user is not a participant of this room")
)

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	if errors.Is(err, ErrForbidden) {
		return http.StatusForbidden
	}
	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrValidation) {
		return http.StatusBadRequest
	}
	if errors.Is(err, ErrConflict) {
		return http.StatusConflict
	}
	if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrProvisioning) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, ErrVersionConflict) {
		return http.StatusConflict // Transient; client may retry
	}
	if errors.Is(err, ErrUnsupportedLanguage) {
		return http.StatusBadRequest
	}
	if errors.Is(err, ErrBattleNotStarted) || errors.Is(err, ErrBattleEnded) || errors.Is(err, ErrBattleStarted) {
		return http.StatusConflict
	}
	if errors.Is(err, ErrNotRoomParticipant) {
		return http.StatusForbidden
	}

	// Check for pgx specific errors (example for unique constraint)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" { // Unique violation
			return http.StatusConflict
		}
	}

	return http.StatusInternalServerError
}

// Errorf creates a new error with formatting, useful for wrapping.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
