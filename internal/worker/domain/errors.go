package domain

import "errors"

var (
	// ErrMalformedEnvelope is returned when a message body is not a JSON object of the expected shape
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrMissingField is returned when an envelope lacks a required field
	ErrMissingField = errors.New("missing required field")

	// ErrAlreadySettled is returned when a delivery is acked or nacked a second time
	ErrAlreadySettled = errors.New("delivery already settled")

	// ErrHandlerTimeout is returned when a handler exceeds its time budget
	ErrHandlerTimeout = errors.New("handler timed out")

	// ErrHandlerPanic is returned when a handler panics
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrChannelClosed is returned when a settlement cannot reach the broker channel
	ErrChannelClosed = errors.New("broker channel closed")

	// ErrEntryNotFound is returned when a journal entry or document row does not exist
	ErrEntryNotFound = errors.New("entry not found")
)
