package directive

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"auteur/pkg/vision"
)

func TestRenderNoData(t *testing.T) {
	got := Render(vision.Default())

	assert.True(t, strings.HasPrefix(got, BaseInstructions))
	assert.True(t, strings.HasSuffix(got, NoDataMarker))
	assert.NotContains(t, got, "[Visual Context -")
	assert.NotContains(t, got, "Lens, Score")
}

func TestRenderNoDataIgnoresOtherFields(t *testing.T) {
	s := vision.Snapshot{
		Mode:     vision.ModeStory,
		Score:    9,
		Overlays: []vision.Overlay{{"type": vision.OverlayStorySubject, "label": "cyclist"}},
	}
	assert.Equal(t, Render(vision.Default()), Render(s))
}

func TestRenderGeneric(t *testing.T) {
	tests := []struct {
		name   string
		snap   vision.Snapshot
		header string
	}{
		{
			name:   "geometry",
			snap:   vision.Snapshot{Mode: vision.ModeGeometry, Analysis: "Horizon tilted 3 degrees.", Score: 6},
			header: "[Visual Context - GEOMETRY Lens, Score: 6/10]:\nHorizon tilted 3 degrees.",
		},
		{
			name:   "light",
			snap:   vision.Snapshot{Mode: vision.ModeLight, Analysis: "Backlit subject.", Score: 3},
			header: "[Visual Context - LIGHT Lens, Score: 3/10]:\nBacklit subject.",
		},
		{
			name:   "unknown mode passes through",
			snap:   vision.Snapshot{Mode: "color", Analysis: "Warm palette.", Score: 12},
			header: "[Visual Context - COLOR Lens, Score: 12/10]:\nWarm palette.",
		},
		{
			name:   "story without subjects falls back",
			snap:   vision.Snapshot{Mode: vision.ModeStory, Analysis: "Nothing yet.", Score: 1, Overlays: []vision.Overlay{{"type": "grid"}}},
			header: "[Visual Context - STORY Lens, Score: 1/10]:\nNothing yet.",
		},
		{
			name:   "negative score is not clamped",
			snap:   vision.Snapshot{Mode: vision.ModeLight, Analysis: "x", Score: -2},
			header: "[Visual Context - LIGHT Lens, Score: -2/10]:\nx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, BaseInstructions+"\n\n"+tt.header, Render(tt.snap))
		})
	}
}

func TestRenderStory(t *testing.T) {
	s := vision.Snapshot{
		Mode:     vision.ModeStory,
		Analysis: "A lone cyclist races the closing light.",
		Score:    8,
		Overlays: []vision.Overlay{
			{"type": vision.OverlayStorySubject, "label": "cyclist", "narrativeRole": "motion"},
			{"type": "rule_of_thirds"},
			{"type": vision.OverlayStorySubject, "label": "sunset", "narrative_role": "time"},
			{"type": vision.OverlayStorySubject},
		},
	}

	want := BaseInstructions + "\n\n" +
		"[Visual Context - STORY Mode, Narrative Score: 8/10]:\n" +
		"Story Elements: cyclist (motion), sunset (time), unknown (element)\n" +
		"Connection: A lone cyclist races the closing light.\n\n" +
		"Describe what makes these subjects tell a story together. Be evocative."

	got := Render(s)
	assert.Equal(t, want, got)
	assert.Contains(t, got, "cyclist (motion)")
}

func TestRenderContainsAnalysisVerbatim(t *testing.T) {
	analyses := []string{
		"simple",
		"multi\nline analysis",
		"%d %s %v format verbs stay literal",
		"unicode ✓ — ok",
	}
	for _, a := range analyses {
		for _, mode := range []vision.Mode{vision.ModeGeometry, vision.ModeStory, "x"} {
			s := vision.Snapshot{Mode: mode, Analysis: a, Overlays: []vision.Overlay{{"type": vision.OverlayStorySubject}}}
			assert.Contains(t, Render(s), a)
		}
	}
}

func TestRenderDeterministic(t *testing.T) {
	s := vision.Snapshot{
		Mode:     vision.ModeStory,
		Analysis: "x",
		Overlays: []vision.Overlay{{"type": vision.OverlayStorySubject, "label": "a", "extra": map[string]any{"k": 1}}},
	}
	assert.Equal(t, Render(s), Render(s.Clone()))
}

func TestFormatSubject(t *testing.T) {
	tests := []struct {
		name string
		o    vision.Overlay
		want string
	}{
		{name: "full", o: vision.Overlay{"label": "dog", "narrative_role": "witness"}, want: "dog (witness)"},
		{name: "camel role", o: vision.Overlay{"label": "dog", "narrativeRole": "witness"}, want: "dog (witness)"},
		{name: "missing both", o: vision.Overlay{}, want: "unknown (element)"},
		{name: "empty label kept", o: vision.Overlay{"label": ""}, want: " (element)"},
		{name: "numeric label printed", o: vision.Overlay{"label": float64(42), "narrative_role": "lead"}, want: "42 (lead)"},
		{name: "bool role printed", o: vision.Overlay{"label": "kite", "narrative_role": true}, want: "kite (true)"},
		{name: "null label is missing", o: vision.Overlay{"label": nil, "narrativeRole": "motion"}, want: "unknown (motion)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSubject(tt.o))
		})
	}
}
