package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent"
	"auteur/pkg/agent/llm"
	"auteur/pkg/config"
	"auteur/pkg/metrics"
	"auteur/pkg/persistence"
	"auteur/pkg/proto"
	"auteur/pkg/session"
)

const testGreeting = "Auteur ready."

type harness struct {
	srv     *httptest.Server
	tracker *session.Tracker
	journal *persistence.Journal
}

func newHarness(t *testing.T, cfg config.ServerConfig, withJournal bool) *harness {
	t.Helper()
	recorder := metrics.NewRecorder()
	h := &harness{}

	observers := []session.Observer{recorder}
	if withJournal {
		j, err := persistence.Open(filepath.Join(t.TempDir(), "auteur.db"), 16)
		require.NoError(t, err)
		t.Cleanup(func() { _ = j.Close() })
		h.journal = j
		observers = append(observers, j)
	}

	h.tracker = session.NewTracker(context.Background(), session.TrackerConfig{
		Client:       agent.NewMockLLMClient([]llm.CompletionResponse{{Content: "Lower the camera."}}, nil),
		AgentOptions: agent.Options{MaxTokens: 64, MaxContextTokens: 4000},
		SpeakQueue:   4,
		Session:      session.Options{Greeting: testGreeting, Observers: observers},
	})
	t.Cleanup(h.tracker.CloseAll)

	s := New(cfg, Deps{Tracker: h.tracker, Recorder: recorder, Journal: h.journal})
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	resp, body := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, float64(0), got["rooms"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUsageEndpoint(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	resp, body := h.get(t, "/api/usage")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestRoomContextNotFound(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	resp, _ := h.get(t, "/api/rooms/nowhere/context")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogsRejectsBadSince(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	resp, _ := h.get(t, "/api/logs?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.get(t, "/api/logs?domain=server")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketSession(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/rooms/studio/ws?identity=user-42"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame proto.UtteranceFrame
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, proto.FrameAgentUtterance, frame.Type)
	assert.Equal(t, testGreeting, frame.Text)

	update := `{"type":"vision_update","mode":"light","timestamp":1,"data":{"analysis":"Hard noon sun.","score":3,"overlays":[]}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(update)))

	var rc RoomContext
	require.Eventually(t, func() bool {
		resp, body := h.get(t, "/api/rooms/studio/context")
		if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &rc) != nil {
			return false
		}
		return rc.Snapshot.Analysis == "Hard noon sun."
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, rc.Directive, "LIGHT Lens, Score: 3/10")
	assert.Equal(t, uint64(1), rc.Swaps)

	var rooms []session.RoomInfo
	_, body := h.get(t, "/api/rooms")
	require.NoError(t, json.Unmarshal(body, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"user-42"}, rooms[0].Participants)
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/rooms/studio/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.tracker.Rooms())
}

func TestDisabledTransports(t *testing.T) {
	h := newHarness(t, config.ServerConfig{DisableWebSocket: true, DisableWebRTC: true}, false)

	resp, _ := h.get(t, "/rooms/studio/ws?identity=user-1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	post, err := http.Post(h.srv.URL+"/rooms/studio/offer", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusNotFound, post.StatusCode)
}

func TestOfferValidation(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "v=0"},
		{"missing identity", `{"sdp":"v=0"}`},
		{"missing sdp", `{"identity":"user-1"}`},
		{"garbage sdp", `{"identity":"user-1","sdp":"definitely not sdp"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(h.srv.URL+"/rooms/studio/offer", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestEndRoom(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, false)
	_, _, err := h.tracker.Join("studio")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/rooms/studio", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	t.Run("not mounted without a journal", func(t *testing.T) {
		h := newHarness(t, config.ServerConfig{}, false)
		resp, _ := h.get(t, "/api/sessions")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("lists journaled sessions", func(t *testing.T) {
		h := newHarness(t, config.ServerConfig{}, true)
		ctx := context.Background()
		require.NoError(t, h.journal.Record(ctx, proto.NewEvent("s-1", "studio", proto.EventSessionStarted)))
		e := proto.NewEvent("s-1", "studio", proto.EventContextUpdate)
		e.Outcome = proto.OutcomeApplied
		require.NoError(t, h.journal.Record(ctx, e))

		var sessions []persistence.Session
		resp, body := h.get(t, "/api/sessions?limit=5")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, "s-1", sessions[0].ID)

		resp, body = h.get(t, "/api/sessions/s-1/events")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []persistence.Entry
		require.NoError(t, json.Unmarshal(body, &entries))
		assert.Len(t, entries, 2)

		resp, _ = h.get(t, "/api/sessions/missing/events")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, _ = h.get(t, "/api/sessions?limit=zero")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(config.ServerConfig{ShutdownTimeoutSec: 1}, Deps{
		Tracker: session.NewTracker(context.Background(), session.TrackerConfig{}),
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
