package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway failure taxonomy. Callers match with
// errors.Is; the underlying *APIError keeps status code and response body
// for the run report.
var (
	ErrAuth        = errors.New("gateway authentication failed")
	ErrNotFound    = errors.New("gateway resource not found")
	ErrValidation  = errors.New("gateway rejected payload")
	ErrRateLimited = errors.New("gateway rate limit exceeded")
)

// APIError is a typed failure from the remote EHR API.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Operation, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Is maps status codes onto the sentinel taxonomy so that
// errors.Is(err, ErrValidation) works on wrapped APIErrors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrValidation:
		return e.StatusCode == 422 || e.StatusCode == 400
	case ErrRateLimited:
		return e.StatusCode == 429
	}
	return false
}
