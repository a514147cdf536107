package avito

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoAccessToken is returned when the token endpoint answers without an access_token.
var ErrNoAccessToken = errors.New("avito: token response has no access_token")

// APIError is a non-2xx response from the messenger API.
type APIError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("avito %s: HTTP %d: %s", e.Endpoint, e.Status, e.Body)
}

// IsAuthError reports whether err looks like an expired or rejected token.
// Besides 401/403 responses it matches on text, since transport wrappers
// sometimes only keep the message.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoAccessToken) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden {
			return true
		}
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "token") || strings.Contains(s, "unauthorized") || strings.Contains(s, "401")
}
