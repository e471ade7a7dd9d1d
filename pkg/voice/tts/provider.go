// Package tts synthesizes agent utterances to audio.
package tts

import "context"

// Options selects voice and output format for one synthesis.
type Options struct {
	Voice      string
	Model      string
	Language   string
	SampleRate int
}

// Synthesis is raw audio for one utterance.
type Synthesis struct {
	Audio      []byte
	Encoding   string // e.g. "pcm_s16le"
	SampleRate int
}

// Provider converts text to speech.
type Provider interface {
	Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error)
}
