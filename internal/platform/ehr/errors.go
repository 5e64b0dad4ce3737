package ehr

import "fmt"

// AuthError is returned when the token endpoint rejects a credential
// exchange. It is fatal for the sync cycle that observed it.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: token endpoint returned %d: %s", e.Status, e.Body)
}

// APIError is returned for any non-2xx resource response other than 429.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ehr api returned %d: %s", e.Status, e.Body)
}

// IsUnauthorized reports whether the error is an APIError with HTTP 401,
// which entitles the caller to one token invalidation and retry.
func (e *APIError) IsUnauthorized() bool {
	return e.Status == 401
}
