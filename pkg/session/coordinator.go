// Package session coordinates one room's shared vision context with its
// conversational agent.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"auteur/pkg/agent"
	"auteur/pkg/directive"
	"auteur/pkg/ingest"
	"auteur/pkg/logx"
	"auteur/pkg/proto"
	"auteur/pkg/room"
	"auteur/pkg/vision"
)

// Options configure a Coordinator.
type Options struct {
	Greeting           string
	UserIdentityPrefix string
	// TimestampFencing drops updates whose timestamp is older than the
	// committed snapshot's. Off by default: updates are last-writer-wins.
	TimestampFencing bool
	Observers        []Observer
	// Broadcaster, if set, is told to stop playback when the user speaks.
	Broadcaster Broadcaster
	Logger      *logx.Logger
}

// Stats counts what a session has handled.
type Stats struct {
	Applied   uint64 `json:"applied"`
	Ignored   uint64 `json:"ignored"`
	Rejected  uint64 `json:"rejected"`
	Greetings uint64 `json:"greetings"`
	Turns     uint64 `json:"turns"`

	// Undelivered counts utterances the speaker could not get to anyone.
	Undelivered uint64 `json:"undelivered"`
}

// Coordinator owns one session's context store and drives its agent from
// room events. Each event is handled on its own goroutine.
type Coordinator struct {
	id         string
	room       string
	store      *vision.Store
	ingester   *ingest.Ingester
	controller *agent.Controller
	opts       Options
	observers  observers
	logger     *logx.Logger

	// applyMu makes commit, render and swap one step, so the live directive
	// always matches the committed snapshot.
	applyMu sync.Mutex

	applied, ignored, rejected, greetings, turns, undelivered atomic.Uint64

	handlers sync.WaitGroup
}

// NewCoordinator creates a session with a default snapshot and points the
// controller's agent at its directive.
func NewCoordinator(id, roomName string, controller *agent.Controller, opts Options) *Coordinator {
	if opts.UserIdentityPrefix == "" {
		opts.UserIdentityPrefix = "user-"
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("session:" + roomName)
	}
	c := &Coordinator{
		id:         id,
		room:       roomName,
		store:      vision.NewStore(),
		ingester:   ingest.NewIngester(opts.Logger),
		controller: controller,
		opts:       opts,
		observers:  observers(opts.Observers),
		logger:     opts.Logger,
	}
	controller.Agent().SetDirective(directive.Render(c.store.Get()))
	prev := controller.OnSpoken
	controller.OnSpoken = func(u agent.Utterance, err error) {
		if prev != nil {
			prev(u, err)
		}
		c.spoken(u, err)
	}
	return c
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// Room returns the room name.
func (c *Coordinator) Room() string { return c.room }

// Controller returns the agent controller.
func (c *Coordinator) Controller() *agent.Controller { return c.controller }

// Snapshot returns the committed vision snapshot.
func (c *Coordinator) Snapshot() vision.Snapshot { return c.store.Get() }

// Directive returns the directive the agent's next turn will use.
func (c *Coordinator) Directive() string { return c.controller.Agent().Directive() }

// Stats returns counters for this session.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Applied:     c.applied.Load(),
		Ignored:     c.ignored.Load(),
		Rejected:    c.rejected.Load(),
		Greetings:   c.greetings.Load(),
		Turns:       c.turns.Load(),
		Undelivered: c.undelivered.Load(),
	}
}

// spoken records what became of an utterance once the speaker is done with it.
func (c *Coordinator) spoken(u agent.Utterance, err error) {
	e := c.event(proto.EventUtterance, "")
	e.Transcript = u.Text
	switch {
	case err == nil:
		e.Outcome = proto.OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, agent.ErrClosed):
		e.Outcome = proto.OutcomeSkipped
		e.Detail = err.Error()
	default:
		c.undelivered.Add(1)
		e.Outcome = proto.OutcomeError
		e.Detail = err.Error()
	}
	c.observers.notify(c.logger, e)
}

// HandleData ingests one side-channel payload. An Applied update is
// committed and the agent's directive is swapped before HandleData returns.
// With fencing on, a stale update comes back as Ignored.
func (c *Coordinator) HandleData(identity string, raw []byte) ingest.Outcome {
	start := time.Now()
	out := c.ingester.Ingest(raw)

	e := c.event(proto.EventContextUpdate, identity)
	switch out.Kind {
	case ingest.Applied:
		if c.apply(out.Snapshot) {
			c.applied.Add(1)
			e.Outcome = proto.OutcomeApplied
			e.Swapped = true
			e.Mode = string(out.Snapshot.Mode)
			e.Score = out.Snapshot.Score
			e.Directive = c.Directive()
		} else {
			out = ingest.Outcome{
				Kind:   ingest.Ignored,
				Reason: fmt.Sprintf("stale update: timestamp %d is older than the committed snapshot", out.Snapshot.Timestamp),
			}
			c.logger.Info("Dropped %s", out.Reason)
		}
	case ingest.Rejected:
		c.rejected.Add(1)
		e.Outcome = proto.OutcomeRejected
		e.Detail = out.Err.Error()
	}
	if out.Kind == ingest.Ignored {
		c.ignored.Add(1)
		e.Outcome = proto.OutcomeIgnored
		e.Detail = out.Reason
	}

	e.Duration = time.Since(start)
	c.observers.notify(c.logger, e)
	return out
}

// apply commits snap and swaps in its directive. It reports false only
// when fencing drops the update.
func (c *Coordinator) apply(snap vision.Snapshot) bool {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	if c.opts.TimestampFencing {
		if !c.store.SetIfNewer(snap) {
			return false
		}
	} else {
		c.store.Set(snap)
	}
	c.controller.Swap(directive.Render(snap))
	return true
}

// HandleParticipantConnected greets identities that follow the user naming
// convention. It reports whether a greeting was scheduled. Failures are
// logged and never returned.
func (c *Coordinator) HandleParticipantConnected(identity string) bool {
	e := c.event(proto.EventGreeting, identity)
	defer func() { c.observers.notify(c.logger, e) }()

	if !strings.HasPrefix(identity, c.opts.UserIdentityPrefix) {
		c.logger.Debug("Not greeting %s: identity lacks prefix %q", identity, c.opts.UserIdentityPrefix)
		e.Outcome = proto.OutcomeSkipped
		return false
	}

	if err := c.controller.Speak(c.opts.Greeting, true); err != nil {
		c.logger.Warn("Failed to greet %s: %v", identity, err)
		e.Outcome = proto.OutcomeError
		e.Detail = err.Error()
		return false
	}
	c.greetings.Add(1)
	c.logger.Info("Greeted %s", identity)
	e.Outcome = proto.OutcomeOK
	return true
}

// HandleParticipantDisconnected records that identity left.
func (c *Coordinator) HandleParticipantDisconnected(identity string) {
	c.observers.notify(c.logger, c.event(proto.EventParticipantLeft, identity))
}

// HandleTranscript runs one user turn: any interruptible agent speech is
// cut off, then the agent replies under the directive current at the start
// of the turn.
func (c *Coordinator) HandleTranscript(ctx context.Context, identity string, raw []byte) error {
	text, err := ingest.DecodeTranscript(raw)
	turn := c.event(proto.EventUserTurn, identity)
	if err != nil {
		turn.Outcome = proto.OutcomeRejected
		turn.Detail = err.Error()
		c.observers.notify(c.logger, turn)
		return fmt.Errorf("decoding transcript: %w", err)
	}
	text = strings.TrimSpace(text)
	turn.Transcript = text
	if text == "" {
		turn.Outcome = proto.OutcomeIgnored
		c.observers.notify(c.logger, turn)
		return nil
	}
	turn.Outcome = proto.OutcomeOK
	c.observers.notify(c.logger, turn)

	c.controller.Interrupt()
	if c.opts.Broadcaster != nil {
		c.opts.Broadcaster.Broadcast(proto.InterruptFrameJSON())
	}

	start := time.Now()
	reply, err := c.controller.Respond(ctx, text)
	e := c.event(proto.EventAgentReply, identity)
	e.Duration = time.Since(start)
	e.Detail = reply
	if err != nil {
		e.Outcome = proto.OutcomeError
		e.Detail = err.Error()
		c.observers.notify(c.logger, e)
		return fmt.Errorf("responding to %s: %w", identity, err)
	}
	c.turns.Add(1)
	e.Outcome = proto.OutcomeOK
	c.observers.notify(c.logger, e)
	return nil
}

// Run dispatches events until ctx is canceled or events is closed, then
// waits for in-flight handlers. Handler failures never end the loop.
func (c *Coordinator) Run(ctx context.Context, events <-chan room.Event) error {
	ctx = logx.WithComponent(ctx, c.logger.Component())
	c.observers.notify(c.logger, c.event(proto.EventSessionStarted, ""))
	defer func() {
		c.handlers.Wait()
		c.observers.notify(c.logger, c.event(proto.EventSessionEnded, ""))
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.handlers.Add(1)
			go c.dispatch(ctx, e)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, e room.Event) {
	defer c.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered panic handling %s from %s: %v", e.Kind, e.Identity, r)
			p := c.event(proto.EventHandlerPanic, e.Identity)
			p.Detail = fmt.Sprint(r)
			c.observers.notify(c.logger, p)
		}
	}()

	logx.DebugFlow(ctx, "session", string(e.Kind), "dispatch", e.Identity)
	switch e.Kind {
	case room.KindDataReceived:
		c.HandleData(e.Identity, e.Data)
	case room.KindParticipantConnected:
		c.observers.notify(c.logger, c.event(proto.EventParticipantJoined, e.Identity))
		c.HandleParticipantConnected(e.Identity)
	case room.KindParticipantDisconnected:
		c.HandleParticipantDisconnected(e.Identity)
	case room.KindTranscript:
		if err := c.HandleTranscript(ctx, e.Identity, e.Data); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("User turn failed: %v", err)
		}
	default:
		c.logger.Debug("Dropping unhandled event kind %q", e.Kind)
	}
}

func (c *Coordinator) event(kind proto.EventKind, identity string) proto.Event {
	e := proto.NewEvent(c.id, c.room, kind)
	e.Identity = identity
	return e
}
