// Package directive renders the agent's governing instructions from the
// current visual context.
package directive

import (
	"fmt"
	"strings"

	"auteur/pkg/vision"
)

// BaseInstructions is the fixed preamble of every directive.
const BaseInstructions = `You are a terse professional cinematographer.

RULES:
- Keep answers under 2 sentences.
- Focus on physical adjustments: pan left, tilt down, step back, zoom in.
- Never explain theory unless explicitly asked.
- Be direct. No filler words.

When visual context is provided, use it to give specific, actionable feedback.
If no visual context is available, say you're still observing.

STORY MODE:
When in story mode, you are a visual storyteller. The analysis will describe interesting
subjects that create a narrative together. Your role is to:
- Describe the story connection between subjects (what makes them compelling together)
- Suggest framing adjustments to strengthen the visual narrative
- Point out non-obvious relationships (contrast, juxtaposition, scale, causality)
- Be poetic but brief - one evocative observation is better than a paragraph`

// NoDataMarker is appended while no analysis has arrived.
const NoDataMarker = "[Visual Context: Still observing - no data yet]"

const (
	defaultLabel = "unknown"
	defaultRole  = "element"
)

// Render returns the directive for s. It is deterministic and has no side effects.
func Render(s vision.Snapshot) string {
	if !s.HasData() {
		return BaseInstructions + "\n\n" + NoDataMarker
	}

	if s.Mode == vision.ModeStory {
		if subjects := s.StorySubjects(); len(subjects) > 0 {
			return renderStory(s, subjects)
		}
	}

	return fmt.Sprintf("%s\n\n[Visual Context - %s Lens, Score: %d/10]:\n%s",
		BaseInstructions, strings.ToUpper(string(s.Mode)), s.Score, s.Analysis)
}

func renderStory(s vision.Snapshot, subjects []vision.Overlay) string {
	parts := make([]string, len(subjects))
	for i, o := range subjects {
		parts[i] = FormatSubject(o)
	}

	var b strings.Builder
	b.WriteString(BaseInstructions)
	fmt.Fprintf(&b, "\n\n[Visual Context - STORY Mode, Narrative Score: %d/10]:\n", s.Score)
	fmt.Fprintf(&b, "Story Elements: %s\n", strings.Join(parts, ", "))
	fmt.Fprintf(&b, "Connection: %s\n\n", s.Analysis)
	b.WriteString("Describe what makes these subjects tell a story together. Be evocative.")
	return b.String()
}

// FormatSubject formats a story subject as "<label> (<role>)", substituting
// "unknown" and "element" for a missing label or role. Present values that
// are not strings are printed as given; null counts as missing.
func FormatSubject(o vision.Overlay) string {
	label, ok := field(o, "label")
	if !ok {
		label = defaultLabel
	}
	role, ok := field(o, "narrative_role")
	if !ok {
		if role, ok = field(o, "narrativeRole"); !ok {
			role = defaultRole
		}
	}
	return label + " (" + role + ")"
}

func field(o vision.Overlay, key string) (string, bool) {
	switch v := o[key].(type) {
	case nil:
		return "", false
	case string:
		return v, true
	default:
		return fmt.Sprint(v), true
	}
}
