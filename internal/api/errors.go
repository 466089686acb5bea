package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-staychat/internal/booking"
	"github.com/npezzotti/go-staychat/internal/database"
)

// ApiError is the JSON body of every failed REST call.
type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    strings.ToLower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError { return newApiError(http.StatusBadRequest, nil) }

func NewNotFoundError() *ApiError { return newApiError(http.StatusNotFound, nil) }

func NewUnauthorizedError() *ApiError { return newApiError(http.StatusUnauthorized, nil) }

func NewForbiddenError() *ApiError { return newApiError(http.StatusForbidden, nil) }

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

// NewBadRequestErrorf returns a 400 whose message explains what was wrong
// with the request.
func NewBadRequestErrorf(format string, args ...any) *ApiError {
	e := newApiError(http.StatusBadRequest, nil)
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// NewConflictError returns a 409 carrying err's text, so clients can show
// why a booking transition was refused.
func NewConflictError(err error) *ApiError {
	e := newApiError(http.StatusConflict, err)
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// storeError maps a repository or state machine error to its response.
func storeError(err error) *ApiError {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError()
	case errors.Is(err, database.ErrStatusConflict), errors.Is(err, booking.ErrInvalidTransition):
		return NewConflictError(err)
	}
	return NewInternalServerError(err)
}
