package relay

import "errors"

var (
	// ErrGenerationActive is returned when a chat already has an in-flight
	// generation.
	ErrGenerationActive = errors.New("generation already active for chat")

	// ErrNoActiveGeneration is returned when an operation targets a chat with
	// no in-flight generation.
	ErrNoActiveGeneration = errors.New("no active generation for chat")
)
