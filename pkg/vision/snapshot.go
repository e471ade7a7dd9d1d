// Package vision holds the per-session visual context reported by the camera client.
package vision

// Mode names the analysis lens the camera client is using.
// The set is open: unknown modes are carried through unchanged.
type Mode string

// Known modes.
const (
	ModeGeometry Mode = "geometry"
	ModeLight    Mode = "light"
	ModeStory    Mode = "story"
)

// DefaultMode is used when an update does not name a mode.
const DefaultMode = ModeGeometry

// OverlayStorySubject marks an overlay that names a subject of the scene's story.
const OverlayStorySubject = "story_subject"

// Overlay is one structured annotation drawn over the frame. Only "type" is
// required; any other fields the client sends are preserved.
type Overlay map[string]any

// Type returns the overlay discriminator.
func (o Overlay) Type() string { return o.str("type") }

// Label returns the overlay label, or "" when absent.
func (o Overlay) Label() string { return o.str("label") }

// Status returns the overlay status, or "" when absent.
func (o Overlay) Status() string { return o.str("status") }

// NarrativeRole returns the subject's role in the story. Both the
// snake_case and camelCase spellings are accepted.
func (o Overlay) NarrativeRole() string {
	if v := o.str("narrative_role"); v != "" {
		return v
	}
	return o.str("narrativeRole")
}

func (o Overlay) str(key string) string {
	if s, ok := o[key].(string); ok {
		return s
	}
	return ""
}

// Snapshot is the complete visual context at one instant. A Snapshot is
// treated as immutable once handed to a Store; build a new one to change it.
type Snapshot struct {
	Mode      Mode      `json:"mode"`
	Analysis  string    `json:"analysis"`
	Score     int       `json:"score"`
	Overlays  []Overlay `json:"overlays"`
	Timestamp int64     `json:"timestamp"`
}

// Default returns the snapshot every session starts with.
func Default() Snapshot {
	return Snapshot{Mode: DefaultMode, Overlays: []Overlay{}}
}

// HasData reports whether any analysis has been received yet.
func (s Snapshot) HasData() bool {
	return s.Analysis != ""
}

// StorySubjects returns the overlays typed as story subjects, in order.
func (s Snapshot) StorySubjects() []Overlay {
	var out []Overlay
	for _, o := range s.Overlays {
		if o.Type() == OverlayStorySubject {
			out = append(out, o)
		}
	}
	return out
}

// Clone returns a deep copy so callers can never alias stored overlays.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Overlays = make([]Overlay, len(s.Overlays))
	for i, o := range s.Overlays {
		out.Overlays[i] = Overlay(cloneMap(o))
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Overlay:
		return Overlay(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
