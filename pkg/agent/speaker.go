package agent

import (
	"context"
	"sync"
)

// Utterance is one piece of agent speech.
type Utterance struct {
	ID                string
	Text              string
	AllowInterruption bool
}

// Speaker delivers utterances to the session's participants. Speak should
// return promptly once ctx is canceled; that is how interruptions land.
type Speaker interface {
	Speak(ctx context.Context, u Utterance) error
}

// SpeakerFunc adapts a function to Speaker.
type SpeakerFunc func(ctx context.Context, u Utterance) error

// Speak calls f.
func (f SpeakerFunc) Speak(ctx context.Context, u Utterance) error {
	return f(ctx, u)
}

// RecordingSpeaker keeps every delivered utterance. Useful in tests and the
// offline CLI.
type RecordingSpeaker struct {
	mu         sync.Mutex
	utterances []Utterance
}

// Speak records u.
func (r *RecordingSpeaker) Speak(_ context.Context, u Utterance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utterances = append(r.utterances, u)
	return nil
}

// Utterances returns a copy of everything spoken so far.
func (r *RecordingSpeaker) Utterances() []Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Utterance(nil), r.utterances...)
}
