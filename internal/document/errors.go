package document

import (
	"errors"
	"fmt"
)

var (
	ErrPageOutOfRange  = errors.New("page out of range")
	ErrPayloadTooLarge = errors.New("document payload too large")
	ErrNoConfirmLink   = errors.New("download interstitial without confirm link")
	ErrEmptyPayload    = errors.New("empty document payload")
	ErrHandleClosed    = errors.New("document handle closed")
)

// StatusError reports a non-success HTTP status from the document host.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("document fetch: unexpected status %s", e.Status)
}
