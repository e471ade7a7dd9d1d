// Package ingest decodes side-channel messages into vision snapshots.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"auteur/pkg/logx"
	"auteur/pkg/vision"
)

// Message types carried on the side channel.
const (
	TypeVisionUpdate   = "vision_update"
	TypeUserTranscript = "user_transcript"
)

// Kind classifies what happened to one inbound message.
type Kind int

const (
	// Applied means the message produced a new snapshot the caller should commit.
	Applied Kind = iota
	// Ignored means the message was well-formed but not a vision update.
	Ignored
	// Rejected means the message could not be decoded.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Rejected:
		return "rejected"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Outcome is the result of ingesting one message. Snapshot is set for
// Applied, Reason for Ignored and Err for Rejected.
type Outcome struct {
	Kind     Kind
	Snapshot vision.Snapshot
	Reason   string
	Err      error
}

// Ingester turns raw side-channel bytes into Outcomes. It holds no state
// across calls and is safe for concurrent use.
type Ingester struct {
	logger *logx.Logger
}

// NewIngester returns an Ingester that logs through logger (nil selects a default).
func NewIngester(logger *logx.Logger) *Ingester {
	if logger == nil {
		logger = logx.NewLogger("ingest")
	}
	return &Ingester{logger: logger}
}

// Ingest decodes raw. It never panics and never returns an error; failures
// are reported as Rejected outcomes.
func (i *Ingester) Ingest(raw []byte) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := &DecodeError{Code: CodeInternal, Message: fmt.Sprintf("panic while decoding update: %v", r)}
			i.logger.Error("Rejected side-channel message: %v", err)
			out = Outcome{Kind: Rejected, Err: err}
		}
	}()

	out = Decode(raw)
	switch out.Kind {
	case Rejected:
		i.logger.Warn("Rejected side-channel message (%d bytes): %v", len(raw), out.Err)
	case Ignored:
		i.logger.Debug("Ignored side-channel message: %s", out.Reason)
	case Applied:
		i.logger.Debug("Decoded %s update: analysis=%d chars score=%d overlays=%d ts=%d",
			out.Snapshot.Mode, len(out.Snapshot.Analysis), out.Snapshot.Score, len(out.Snapshot.Overlays), out.Snapshot.Timestamp)
	}
	return out
}

// Decode is the stateless core of Ingest.
func Decode(raw []byte) Outcome {
	fields, err := decodeObject(raw)
	if err != nil {
		return Outcome{Kind: Rejected, Err: err}
	}

	msgType, ok := stringField(fields, "type")
	if !ok {
		return Outcome{Kind: Ignored, Reason: "message has no string type"}
	}
	if msgType != TypeVisionUpdate {
		return Outcome{Kind: Ignored, Reason: fmt.Sprintf("message type %q is not %s", msgType, TypeVisionUpdate)}
	}

	snap, err := decodeUpdate(fields)
	if err != nil {
		return Outcome{Kind: Rejected, Err: err}
	}
	return Outcome{Kind: Applied, Snapshot: snap}
}

// MessageType returns the "type" of a side-channel object, or "" if raw is
// not an object with a string type.
func MessageType(raw []byte) string {
	fields, err := decodeObject(raw)
	if err != nil {
		return ""
	}
	t, _ := stringField(fields, "type")
	return t
}

// DecodeTranscript extracts the text of a user_transcript message.
func DecodeTranscript(raw []byte) (string, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	if t, _ := stringField(fields, "type"); t != TypeUserTranscript {
		return "", invalidField("type", "not a "+TypeUserTranscript+" message")
	}
	var text string
	if _, err := optional(fields, "text", &text); err != nil {
		return "", invalidField("text", "must be a string")
	}
	return text, nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	if !utf8.Valid(raw) {
		return nil, malformed("payload is not valid UTF-8", nil)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, malformed("payload is not a JSON object", err)
	}
	if fields == nil {
		return nil, malformed("payload is not a JSON object", nil)
	}
	return fields, nil
}

func decodeUpdate(fields map[string]json.RawMessage) (vision.Snapshot, error) {
	snap := vision.Default()

	var mode string
	if _, err := optional(fields, "mode", &mode); err != nil {
		return vision.Snapshot{}, invalidField("mode", "must be a string")
	}
	if mode != "" {
		snap.Mode = vision.Mode(mode)
	}

	if raw, ok := present(fields, "timestamp"); ok {
		ts, err := decodeInt(raw, "timestamp")
		if err != nil {
			return vision.Snapshot{}, err
		}
		snap.Timestamp = ts
	}

	var data map[string]json.RawMessage
	if _, err := optional(fields, "data", &data); err != nil {
		return vision.Snapshot{}, invalidField("data", "must be an object")
	}

	if _, err := optional(data, "analysis", &snap.Analysis); err != nil {
		return vision.Snapshot{}, invalidField("data.analysis", "must be a string")
	}

	if raw, ok := present(data, "score"); ok {
		score, err := decodeInt(raw, "data.score")
		if err != nil {
			return vision.Snapshot{}, err
		}
		if score < math.MinInt32 || score > math.MaxInt32 {
			return vision.Snapshot{}, invalidField("data.score", "out of range")
		}
		snap.Score = int(score)
	}

	var overlays []json.RawMessage
	if _, err := optional(data, "overlays", &overlays); err != nil {
		return vision.Snapshot{}, invalidField("data.overlays", "must be an array")
	}
	for idx, raw := range overlays {
		var o map[string]any
		if err := json.Unmarshal(raw, &o); err != nil || o == nil {
			return vision.Snapshot{}, invalidField(fmt.Sprintf("data.overlays[%d]", idx), "must be an object")
		}
		snap.Overlays = append(snap.Overlays, vision.Overlay(o))
	}

	return snap, nil
}

// present returns the raw value of key, treating JSON null as absent.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

// optional decodes key into dst when present. dst is left untouched otherwise.
func optional(fields map[string]json.RawMessage, key string, dst any) (bool, error) {
	raw, ok := present(fields, key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	var s string
	found, err := optional(fields, key, &s)
	if !found || err != nil {
		return "", false
	}
	return s, true
}

// decodeInt accepts JSON integers and integral floats such as 7.0.
func decodeInt(raw json.RawMessage, param string) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, invalidField(param, "must be an integer")
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, invalidField(param, "must be an integer")
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, invalidField(param, "must be an integer")
	}
	return int64(f), nil
}
