package agent

import "errors"

var (
	// ErrQueueFull is returned by Speak when the utterance queue is at capacity.
	ErrQueueFull = errors.New("utterance queue full")

	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("agent controller closed")

	// ErrEmptyUtterance is returned by Speak for blank text.
	ErrEmptyUtterance = errors.New("utterance text is empty")
)
