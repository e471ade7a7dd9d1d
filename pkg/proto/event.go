// Package proto defines the records a session emits about itself and the
// frames the agent sends to room participants.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names something that happened in a session.
type EventKind string

const (
	EventSessionStarted    EventKind = "session_started"
	EventSessionEnded      EventKind = "session_ended"
	EventContextUpdate     EventKind = "context_update" // A side-channel message was ingested
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventGreeting          EventKind = "greeting"
	EventUserTurn          EventKind = "user_turn"
	EventAgentReply        EventKind = "agent_reply"
	EventUtterance         EventKind = "utterance" // An agent utterance left the speaker queue
	EventHandlerPanic      EventKind = "handler_panic"
)

// Outcome values used in Event.Outcome.
const (
	OutcomeApplied  = "applied"
	OutcomeIgnored  = "ignored"
	OutcomeRejected = "rejected"
	OutcomeOK       = "ok"
	OutcomeSkipped  = "skipped"
	OutcomeError    = "error"
)

// Event is one observation of a session. Observers receive it by value.
type Event struct {
	SessionID  string        `json:"session_id"`
	Room       string        `json:"room"`
	Kind       EventKind     `json:"kind"`
	Identity   string        `json:"identity,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Score      int           `json:"score,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Swapped    bool          `json:"swapped,omitempty"`
	Directive  string        `json:"directive,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
}

// NewEvent stamps a new event with the current UTC time.
func NewEvent(sessionID, room string, kind EventKind) Event {
	return Event{
		SessionID: sessionID,
		Room:      room,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON parses one JSON-encoded event.
func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Event: %w", err)
	}
	return &e, nil
}
