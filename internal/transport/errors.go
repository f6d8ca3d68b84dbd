package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrTransient and ErrPermanent classify delivery failures. Both kinds keep the
// envelope cached; permanent ones are only logged louder.
var (
	ErrTransient = errors.New("transport: transient failure")
	ErrPermanent = errors.New("transport: permanent failure")
)

// CodeIOFailure is the response code reported when no response was received.
const CodeIOFailure = -1

// Error describes a failed delivery attempt.
type Error struct {
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Code == CodeIOFailure {
		return fmt.Sprintf("transport: request failed: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: http %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transport: http %d", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrTransient or ErrPermanent based on the response code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return permanentCode(e.Code)
	case ErrTransient:
		return !permanentCode(e.Code)
	}
	return false
}

func permanentCode(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
