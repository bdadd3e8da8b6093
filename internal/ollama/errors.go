package ollama

import (
	"fmt"
	"net/http"

	"github.com/me/vedfolnir/pkg/model"
)

// ServerError is a non-2xx response from the inference backend.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("ollama: HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("ollama: HTTP %d", e.StatusCode)
}

// ErrorKind classifies the response for recovery: 5xx and rate limiting
// are transient, anything else means the request itself was bad.
func (e *ServerError) ErrorKind() model.ErrorKind {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return model.ErrorKindTransient
	}
	return model.ErrorKindValidation
}

// UnavailableError reports that the backend could not be reached at
// all: connection refused, DNS failure, broken transport.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ollama: backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ErrorKind marks an unreachable backend as a resource fault.
func (e *UnavailableError) ErrorKind() model.ErrorKind {
	return model.ErrorKindResource
}
