package session

import (
	"context"
	"errors"
	"fmt"

	"auteur/pkg/agent"
	"auteur/pkg/logx"
	"auteur/pkg/proto"
	"auteur/pkg/voice/tts"
)

// ErrNoRecipients is returned by RoomSpeaker.Speak when nobody in the room
// accepted the utterance.
var ErrNoRecipients = errors.New("utterance reached no participants")

// Broadcaster sends a frame to everyone in a room.
type Broadcaster interface {
	Broadcast(frame []byte) int
}

// RoomSpeaker speaks by broadcasting utterance frames, with synthesized
// audio attached when a TTS provider is configured.
type RoomSpeaker struct {
	room    Broadcaster
	tts     tts.Provider
	ttsOpts tts.Options
	logger  *logx.Logger
}

// NewRoomSpeaker creates a speaker. provider may be nil for text-only frames.
func NewRoomSpeaker(room Broadcaster, provider tts.Provider, ttsOpts tts.Options, logger *logx.Logger) *RoomSpeaker {
	if logger == nil {
		logger = logx.NewLogger("speaker")
	}
	return &RoomSpeaker{room: room, tts: provider, ttsOpts: ttsOpts, logger: logger}
}

// Speak implements agent.Speaker. A synthesis failure degrades to a
// text-only frame; cancellation drops the utterance.
func (s *RoomSpeaker) Speak(ctx context.Context, u agent.Utterance) error {
	frame := proto.NewUtteranceFrame(u.ID, u.Text, u.AllowInterruption)

	if s.tts != nil {
		out, err := s.tts.Synthesize(ctx, u.Text, s.ttsOpts)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.logger.Warn("Speech synthesis failed for %s, sending text only: %v", u.ID, err)
		default:
			frame.Audio = out.Audio
			frame.AudioEncoding = out.Encoding
			frame.SampleRate = out.SampleRate
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := frame.ToJSON()
	if err != nil {
		return fmt.Errorf("encoding utterance %s: %w", u.ID, err)
	}
	if s.room.Broadcast(data) == 0 {
		return fmt.Errorf("utterance %s: %w", u.ID, ErrNoRecipients)
	}
	return nil
}
