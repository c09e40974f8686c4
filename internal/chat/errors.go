package chat

import "errors"

var (
	// ErrSendInFlight is returned when a send is attempted while another is pending.
	ErrSendInFlight = errors.New("a message is already being sent")
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("chat session not found")
	// ErrEmptyMessage rejects blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrEmptyTitle rejects a blank rename.
	ErrEmptyTitle = errors.New("title is empty")
)
