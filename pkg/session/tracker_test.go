package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent"
	"auteur/pkg/agent/llm"
	"auteur/pkg/directive"
	"auteur/pkg/proto"
	"auteur/pkg/vision"
)

type peer struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (p *peer) Identity() string { return p.id }

func (p *peer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *peer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func newTestTracker(t *testing.T, obs Observer) *Tracker {
	t.Helper()
	opts := Options{Greeting: greeting}
	if obs != nil {
		opts.Observers = []Observer{obs}
	}
	tr := NewTracker(context.Background(), TrackerConfig{
		Client:       agent.NewMockLLMClient([]llm.CompletionResponse{{Content: "Nice."}}, nil),
		AgentOptions: agent.Options{MaxTokens: 64, MaxContextTokens: 4000},
		SpeakQueue:   4,
		EventBuffer:  8,
		Session:      opts,
	})
	t.Cleanup(tr.CloseAll)
	return tr
}

func TestTrackerJoinReusesSession(t *testing.T) {
	tr := newTestTracker(t, nil)

	rm1, c1, err := tr.Join("studio")
	require.NoError(t, err)
	rm2, c2, err := tr.Join("studio")
	require.NoError(t, err)

	assert.Same(t, rm1, rm2)
	assert.Same(t, c1, c2)
	assert.NotEmpty(t, c1.ID())
	assert.Equal(t, "studio", c1.Room())
}

func TestTrackerSessionsAreIsolated(t *testing.T) {
	tr := newTestTracker(t, nil)
	rmA, a, err := tr.Join("a")
	require.NoError(t, err)
	_, b, err := tr.Join("b")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	rmA.Deliver("user-1", update("light", "Golden hour in A.", 9, 1))

	require.Eventually(t, func() bool { return a.Snapshot().Analysis == "Golden hour in A." }, time.Second, 5*time.Millisecond)
	snap, dir, ok := tr.Snapshot("b")
	require.True(t, ok)
	assert.Equal(t, vision.Default(), snap)
	assert.Equal(t, directive.Render(vision.Default()), dir)
	assert.Zero(t, b.Controller().Swaps())
}

func TestTrackerGreetsJoiningUser(t *testing.T) {
	tr := newTestTracker(t, nil)
	rm, _, err := tr.Join("studio")
	require.NoError(t, err)

	p := &peer{id: "user-42"}
	require.NoError(t, rm.Join(p))

	require.Eventually(t, func() bool { return len(p.received()) == 1 }, time.Second, 5*time.Millisecond)
	f := decodeFrame(t, string(p.received()[0]))
	assert.Equal(t, greeting, f.Text)

	rooms := tr.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"user-42"}, rooms[0].Participants)
	assert.Equal(t, uint64(1), rooms[0].Stats.Greetings)
}

type deadPeer struct{ id string }

func (p deadPeer) Identity() string { return p.id }
func (deadPeer) Send([]byte) error   { return errors.New("connection reset") }
func (deadPeer) Close() error        { return nil }

func TestTrackerCountsUndeliveredGreeting(t *testing.T) {
	obs := &recordingObserver{}
	tr := newTestTracker(t, obs)
	rm, coord, err := tr.Join("studio")
	require.NoError(t, err)

	require.NoError(t, rm.Join(deadPeer{id: "user-42"}))

	require.Eventually(t, func() bool { return len(obs.byKind(proto.EventUtterance)) == 1 }, time.Second, 5*time.Millisecond)
	e := obs.byKind(proto.EventUtterance)[0]
	assert.Equal(t, proto.OutcomeError, e.Outcome)
	assert.Contains(t, e.Detail, ErrNoRecipients.Error())
	assert.Equal(t, greeting, e.Transcript)

	stats := coord.Stats()
	assert.Equal(t, uint64(1), stats.Greetings)
	assert.Equal(t, uint64(1), stats.Undelivered)
}

func TestTrackerRoomsSorted(t *testing.T) {
	tr := newTestTracker(t, nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, _, err := tr.Join(name)
		require.NoError(t, err)
	}
	var names []string
	for _, info := range tr.Rooms() {
		names = append(names, info.Room)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestTrackerEnd(t *testing.T) {
	obs := &recordingObserver{}
	tr := newTestTracker(t, obs)
	rm, _, err := tr.Join("studio")
	require.NoError(t, err)
	p := &peer{id: "guest-1"}
	require.NoError(t, rm.Join(p))

	assert.True(t, tr.End("studio"))
	assert.False(t, tr.End("studio"))

	_, ok := tr.Get("studio")
	assert.False(t, ok)
	_, _, ok = tr.Snapshot("studio")
	assert.False(t, ok)
	assert.Len(t, obs.byKind(proto.EventSessionEnded), 1)

	// A new join starts a fresh session.
	_, c, err := tr.Join("studio")
	require.NoError(t, err)
	assert.Equal(t, vision.Default(), c.Snapshot())
}

func TestTrackerCloseAll(t *testing.T) {
	tr := newTestTracker(t, nil)
	_, _, err := tr.Join("a")
	require.NoError(t, err)
	_, _, err = tr.Join("b")
	require.NoError(t, err)

	tr.CloseAll()
	assert.Empty(t, tr.Rooms())
	_, _, err = tr.Join("c")
	assert.Error(t, err)
}
