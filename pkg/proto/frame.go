package proto

import (
	"encoding/json"
	"fmt"
)

// Frame types the agent sends to participants.
const (
	FrameAgentUtterance = "agent_utterance"
	FrameAgentInterrupt = "agent_interrupt"
)

// UtteranceFrame carries one agent utterance to the room. Audio, when
// present, is raw PCM described by AudioEncoding and SampleRate and is
// base64-encoded on the wire.
type UtteranceFrame struct {
	Type              string `json:"type"`
	ID                string `json:"id"`
	Text              string `json:"text"`
	AllowInterruption bool   `json:"allow_interruption"`
	Audio             []byte `json:"audio,omitempty"`
	AudioEncoding     string `json:"audio_encoding,omitempty"`
	SampleRate        int    `json:"sample_rate,omitempty"`
}

// NewUtteranceFrame returns a text-only utterance frame.
func NewUtteranceFrame(id, text string, allowInterruption bool) *UtteranceFrame {
	return &UtteranceFrame{
		Type:              FrameAgentUtterance,
		ID:                id,
		Text:              text,
		AllowInterruption: allowInterruption,
	}
}

func (f *UtteranceFrame) ToJSON() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal utterance frame: %w", err)
	}
	return data, nil
}

// InterruptFrame tells clients to stop playing interruptible audio.
type InterruptFrame struct {
	Type string `json:"type"`
}

// InterruptFrameJSON is the encoded InterruptFrame.
func InterruptFrameJSON() []byte {
	data, _ := json.Marshal(InterruptFrame{Type: FrameAgentInterrupt})
	return data
}
