package twitchapi

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the Helix API, decoded from the standard
// {error, status, message} payload when present.
type APIError struct {
	StatusCode int
	ErrorText  string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twitch api error: status %d: %s: %s", e.StatusCode, e.ErrorText, e.Message)
	}
	return fmt.Sprintf("twitch api error: status %d", e.StatusCode)
}

// IsConflict reports whether err is a 409 from the platform (e.g., a
// subscription that already exists remotely).
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsAuthError reports whether err is a 401 that survived the single retry.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
