package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"auteur/pkg/agent"
	"auteur/pkg/agent/llm"
	"auteur/pkg/directive"
	"auteur/pkg/logx"
	"auteur/pkg/room"
	"auteur/pkg/vision"
	"auteur/pkg/voice/tts"
)

// TrackerConfig holds what every new session is built from.
type TrackerConfig struct {
	Client       llm.LLMClient
	AgentOptions agent.Options
	SpeakQueue   int
	EventBuffer  int
	TTS          tts.Provider // nil for text-only speech
	TTSOptions   tts.Options
	Session      Options
}

type liveSession struct {
	coord  *Coordinator
	room   *room.Room
	cancel context.CancelFunc
	done   chan struct{}
}

// RoomInfo summarizes a live session.
type RoomInfo struct {
	Room         string   `json:"room"`
	SessionID    string   `json:"session_id"`
	Participants []string `json:"participants"`
	Stats        Stats    `json:"stats"`
}

// Tracker maps room names to live sessions. Each room gets its own store,
// agent and controller.
type Tracker struct {
	ctx    context.Context
	cfg    TrackerConfig
	logger *logx.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	closed   bool
}

// NewTracker creates a tracker whose sessions stop when ctx is canceled.
func NewTracker(ctx context.Context, cfg TrackerConfig) *Tracker {
	return &Tracker{
		ctx:      ctx,
		cfg:      cfg,
		logger:   logx.NewLogger("tracker"),
		sessions: make(map[string]*liveSession),
	}
}

// Join returns the room named name, starting a session for it if needed.
func (t *Tracker) Join(name string) (*room.Room, *Coordinator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, fmt.Errorf("tracker is closed")
	}
	if s, ok := t.sessions[name]; ok {
		return s.room, s.coord, nil
	}

	id := uuid.NewString()
	logger := logx.NewLogger("session:" + name)
	rm := room.New(name, t.cfg.EventBuffer)

	speaker := NewRoomSpeaker(rm, t.cfg.TTS, t.cfg.TTSOptions, logger)
	ag := agent.NewAgent(t.cfg.Client, directive.Render(vision.Default()), t.cfg.AgentOptions)
	ctrl := agent.NewController(ag, speaker, t.cfg.SpeakQueue, logger)

	opts := t.cfg.Session
	opts.Logger = logger
	opts.Broadcaster = rm
	opts.Observers = append([]Observer(nil), t.cfg.Session.Observers...)
	coord := NewCoordinator(id, name, ctrl, opts)

	ctx, cancel := context.WithCancel(t.ctx)
	s := &liveSession{coord: coord, room: rm, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		if err := coord.Run(ctx, rm.Events()); err != nil && ctx.Err() == nil {
			logger.Error("Session loop ended: %v", err)
		}
	}()

	t.sessions[name] = s
	t.logger.Info("Started session %s for room %s", id, name)
	return rm, coord, nil
}

// Get returns the live session for name.
func (t *Tracker) Get(name string) (*Coordinator, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[name]
	if !ok {
		return nil, false
	}
	return s.coord, true
}

// Snapshot returns the committed snapshot and live directive of a room.
func (t *Tracker) Snapshot(name string) (vision.Snapshot, string, bool) {
	c, ok := t.Get(name)
	if !ok {
		return vision.Snapshot{}, "", false
	}
	return c.Snapshot(), c.Directive(), true
}

// Rooms lists live sessions by room name.
func (t *Tracker) Rooms() []RoomInfo {
	t.mu.Lock()
	infos := make([]RoomInfo, 0, len(t.sessions))
	for name, s := range t.sessions {
		infos = append(infos, RoomInfo{
			Room:         name,
			SessionID:    s.coord.ID(),
			Participants: s.room.Participants(),
			Stats:        s.coord.Stats(),
		})
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Room < infos[j].Room })
	return infos
}

// End stops the session for name and disconnects its participants.
func (t *Tracker) End(name string) bool {
	t.mu.Lock()
	s, ok := t.sessions[name]
	delete(t.sessions, name)
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.stop(s)
	return true
}

// CloseAll ends every session and refuses new ones.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	t.closed = true
	sessions := t.sessions
	t.sessions = make(map[string]*liveSession)
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *liveSession) {
			defer wg.Done()
			t.stop(s)
		}(s)
	}
	wg.Wait()
}

func (t *Tracker) stop(s *liveSession) {
	s.cancel()
	s.room.Close()
	<-s.done
	s.coord.Controller().Close()
	t.logger.Info("Ended session %s for room %s", s.coord.ID(), s.coord.Room())
}
