package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/medislot/medsync/pkg/model"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// ErrUnauthorized is returned when the server no longer accepts the
// credentials. Like ErrTokenExpired it keeps writes queued until SetToken.
var ErrUnauthorized = fmt.Errorf("server refused credentials: %w", model.ErrOffline)

// classify maps a failed response onto the model error taxonomy. Server
// errors, throttling and refused credentials are outages; other client
// errors are rejections.
func classify(e *HTTPError) error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", model.ErrNotFound, e)
	case e.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrUnauthorized, e)
	case e.StatusCode == http.StatusForbidden:
		return model.Reject(e.StatusCode, e.Body, fmt.Errorf("%w: %v", model.ErrPermissionDenied, e))
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return fmt.Errorf("%w: %v", model.ErrOffline, e)
	default:
		return model.Reject(e.StatusCode, e.Body, e)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
