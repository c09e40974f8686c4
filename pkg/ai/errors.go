package ai

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidCredential marks a rejected API key. Retrying cannot help.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrEmptyCompletion is returned when the provider answers with no text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider string
	Status   int
	Message  string
	// Reason is the provider's machine-readable cause, when it sends one.
	Reason string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, http.StatusText(e.Status))
}

// Is lets errors.Is(err, ErrInvalidCredential) match credential rejections.
func (e *APIError) Is(target error) bool {
	return target == ErrInvalidCredential && e.invalidCredential()
}

func (e *APIError) invalidCredential() bool {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return true
	}
	if strings.EqualFold(e.Reason, "API_KEY_INVALID") {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "api_key_invalid") || strings.Contains(msg, "api key not valid")
}
