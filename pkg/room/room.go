package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"auteur/pkg/ingest"
	"auteur/pkg/logx"
)

// DefaultEventBuffer is used when New is given a non-positive buffer.
const DefaultEventBuffer = 64

// ErrClosed is returned when joining a closed room.
var ErrClosed = errors.New("room is closed")

// Participant is a remote party connected through some transport.
type Participant interface {
	Identity() string
	// Send delivers one agent frame. It must not block for long.
	Send(frame []byte) error
	Close() error
}

// Room is a named meeting place for participants and one agent.
type Room struct {
	name   string
	logger *logx.Logger

	mu           sync.RWMutex
	participants map[string]Participant
	closed       bool

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an open room.
func New(name string, buffer int) *Room {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Room{
		name:         name,
		logger:       logx.NewLogger("room:" + name),
		participants: make(map[string]Participant),
		events:       make(chan Event, buffer),
		done:         make(chan struct{}),
	}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Events is closed when the room closes.
func (r *Room) Events() <-chan Event {
	return r.events
}

// Join adds p, replacing (and closing) any participant with the same
// identity, and emits participant_connected.
func (r *Room) Join(p Participant) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.participants[p.Identity()]
	r.participants[p.Identity()] = p
	r.mu.Unlock()

	if old != nil && old != p {
		r.logger.Info("Participant %s reconnected, closing previous connection", p.Identity())
		_ = old.Close()
	}
	r.emit(Event{Kind: KindParticipantConnected, Identity: p.Identity()})
	return nil
}

// Leave removes p if it is still the current connection for its identity
// and emits participant_disconnected.
func (r *Room) Leave(p Participant) {
	r.mu.Lock()
	current, ok := r.participants[p.Identity()]
	if ok && current == p {
		delete(r.participants, p.Identity())
	}
	r.mu.Unlock()

	if ok && current == p {
		r.emit(Event{Kind: KindParticipantDisconnected, Identity: p.Identity()})
	}
}

// Deliver routes a side-channel payload from identity into the event
// stream. User transcripts get their own stream; everything else,
// malformed payloads included, is data_received.
func (r *Room) Deliver(identity string, data []byte) {
	kind := KindDataReceived
	if ingest.MessageType(data) == ingest.TypeUserTranscript {
		kind = KindTranscript
	}
	r.emit(Event{Kind: kind, Identity: identity, Data: append([]byte(nil), data...)})
}

// Broadcast sends frame to every participant and returns how many accepted it.
func (r *Room) Broadcast(frame []byte) int {
	r.mu.RLock()
	targets := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.Send(frame); err != nil {
			r.logger.Warn("Failed to send frame to %s: %v", p.Identity(), err)
			continue
		}
		sent++
	}
	return sent
}

// Participants returns connected identities in sorted order.
func (r *Room) Participants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every participant and closes the event stream.
func (r *Room) Close() {
	r.doneOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	participants := r.participants
	r.participants = make(map[string]Participant)
	close(r.events)
	r.mu.Unlock()

	for _, p := range participants {
		_ = p.Close()
	}
}

// emit blocks while the buffer is full, which pushes back on the
// transport read loops, and gives up once the room closes.
func (r *Room) emit(e Event) {
	e.At = time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	case <-r.done:
	}
}
