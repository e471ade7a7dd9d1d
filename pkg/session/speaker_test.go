package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent"
	"auteur/pkg/proto"
	"auteur/pkg/voice/tts"
)

type fakeTTS struct {
	err  error
	got  []string
	opts tts.Options
}

func (f *fakeTTS) Synthesize(_ context.Context, text string, opts tts.Options) (*tts.Synthesis, error) {
	f.got = append(f.got, text)
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Synthesis{Audio: []byte{1, 2, 3, 4}, Encoding: "pcm_s16le", SampleRate: 24000}, nil
}

func decodeFrame(t *testing.T, raw string) proto.UtteranceFrame {
	t.Helper()
	var f proto.UtteranceFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	return f
}

func TestRoomSpeaker(t *testing.T) {
	u := agent.Utterance{ID: "utt-1", Text: "Tilt down a touch.", AllowInterruption: true}

	tests := []struct {
		name      string
		provider  *fakeTTS
		wantAudio bool
	}{
		{name: "text only", provider: nil},
		{name: "with audio", provider: &fakeTTS{}, wantAudio: true},
		{name: "synthesis failure falls back to text", provider: &fakeTTS{err: errors.New("503 from tts")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &countingBroadcaster{}
			var provider tts.Provider
			if tt.provider != nil {
				provider = tt.provider
			}
			s := NewRoomSpeaker(b, provider, tts.Options{Voice: "v-1"}, nil)

			require.NoError(t, s.Speak(context.Background(), u))
			require.Len(t, b.frames, 1)

			f := decodeFrame(t, b.frames[0])
			assert.Equal(t, proto.FrameAgentUtterance, f.Type)
			assert.Equal(t, "utt-1", f.ID)
			assert.Equal(t, u.Text, f.Text)
			assert.True(t, f.AllowInterruption)
			if tt.wantAudio {
				assert.Equal(t, []byte{1, 2, 3, 4}, f.Audio)
				assert.Equal(t, "pcm_s16le", f.AudioEncoding)
				assert.Equal(t, 24000, f.SampleRate)
			} else {
				assert.Empty(t, f.Audio)
			}
			if tt.provider != nil {
				assert.Equal(t, []string{u.Text}, tt.provider.got)
				assert.Equal(t, "v-1", tt.provider.opts.Voice)
			}
		})
	}
}

func TestRoomSpeakerCanceled(t *testing.T) {
	b := &countingBroadcaster{}
	s := NewRoomSpeaker(b, &fakeTTS{}, tts.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Speak(ctx, agent.Utterance{ID: "utt-2", Text: "Hold."})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.frames)
}

type emptyRoom struct{}

func (emptyRoom) Broadcast([]byte) int { return 0 }

func TestRoomSpeakerNoRecipients(t *testing.T) {
	s := NewRoomSpeaker(emptyRoom{}, nil, tts.Options{}, nil)
	err := s.Speak(context.Background(), agent.Utterance{ID: "utt-3", Text: "Anyone there?"})
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.ErrorContains(t, err, "utt-3")
}
