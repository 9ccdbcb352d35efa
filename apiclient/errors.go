package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotConfigured is returned when a request needs settings that were never
// configured.
var ErrNotConfigured = errors.New("api client is not configured")

// StatusError reports a non-2xx response from the API.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
