// Package room connects participants to a session over side-channel
// transports and fans their traffic into one event stream.
package room

import "time"

// Kind names an inbound room event stream.
type Kind string

const (
	KindDataReceived            Kind = "data_received"
	KindParticipantConnected    Kind = "participant_connected"
	KindParticipantDisconnected Kind = "participant_disconnected"
	KindTranscript              Kind = "transcript"
)

// Event is one inbound occurrence in a room. Data is the raw side-channel
// payload for data_received and transcript events.
type Event struct {
	Kind     Kind
	Identity string
	Data     []byte
	At       time.Time
}
