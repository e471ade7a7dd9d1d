package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"auteur/pkg/agent/llm"
	"auteur/pkg/logx"
)

// DefaultQueueSize is used when NewController is given a non-positive size.
const DefaultQueueSize = 16

type queuedUtterance struct {
	u     Utterance
	epoch uint64
}

// Controller drives the active Agent of one session.
//
// Swap never blocks. Speak enqueues and returns immediately; a single
// goroutine drains the queue into the Speaker so utterances never overlap.
// Respond turns are serialized among themselves but not against Swap.
type Controller struct {
	agent   *Agent
	speaker Speaker
	logger  *logx.Logger

	turnMu sync.Mutex

	mu      sync.Mutex // guards the three fields below
	queue   chan queuedUtterance
	closed  bool
	current context.CancelFunc

	epoch  atomic.Uint64
	swaps  atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// OnSpoken, if set before the first Speak, is called after each
	// utterance is delivered or abandoned.
	OnSpoken func(u Utterance, err error)
}

// NewController starts the speaker goroutine. Call Close to stop it.
func NewController(agent *Agent, speaker Speaker, queueSize int, logger *logx.Logger) *Controller {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logx.NewLogger("agent")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		agent:   agent,
		speaker: speaker,
		logger:  logger,
		queue:   make(chan queuedUtterance, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Agent returns the controlled agent.
func (c *Controller) Agent() *Agent {
	return c.agent
}

// Swap replaces the directive governing the next turn. A turn already
// generating keeps the directive it started with. Concurrent swaps race and
// the last one wins.
func (c *Controller) Swap(directive string) {
	c.agent.SetDirective(directive)
	c.swaps.Add(1)
}

// Swaps returns how many times Swap has been called.
func (c *Controller) Swaps() uint64 {
	return c.swaps.Load()
}

// Speak schedules text to be spoken and records it in the conversation.
// It does not wait for delivery. An interruptible utterance is dropped or
// cut short by the next Interrupt.
func (c *Controller) Speak(text string, allowInterruption bool) error {
	return c.enqueue(text, allowInterruption, true)
}

func (c *Controller) enqueue(text string, allowInterruption, record bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyUtterance
	}

	q := queuedUtterance{
		u:     Utterance{ID: uuid.NewString(), Text: text, AllowInterruption: allowInterruption},
		epoch: c.epoch.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- q:
	default:
		return ErrQueueFull
	}
	if record {
		c.agent.History().Append(llm.NewAssistantMessage(text))
	}
	return nil
}

// Respond generates a reply to the user's turn and speaks it. The reply
// uses the directive current when the turn started.
func (c *Controller) Respond(ctx context.Context, userText string) (string, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	reply, err := c.agent.Generate(ctx, userText)
	if err != nil {
		return "", err
	}
	if err := c.enqueue(reply, true, false); err != nil {
		return reply, err
	}
	return reply, nil
}

// Interrupt cancels the interruptible utterance being spoken and drops any
// interruptible utterances queued before this call.
func (c *Controller) Interrupt() {
	c.epoch.Add(1)
	c.mu.Lock()
	cancel := c.current
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops accepting utterances, aborts the one in flight and waits for
// the speaker goroutine to exit. Queued utterances are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	c.cancel()
	<-c.done
}

func (c *Controller) run() {
	defer close(c.done)
	for q := range c.queue {
		if c.ctx.Err() != nil {
			c.finish(q.u, ErrClosed)
			continue
		}
		if q.u.AllowInterruption && q.epoch < c.epoch.Load() {
			c.logger.Debug("Dropping interrupted utterance %s", q.u.ID)
			c.finish(q.u, context.Canceled)
			continue
		}
		c.deliver(q)
	}
}

func (c *Controller) deliver(q queuedUtterance) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	if q.u.AllowInterruption {
		c.mu.Lock()
		c.current = cancel
		c.mu.Unlock()
		// An Interrupt that raced the dequeue still applies.
		if q.epoch < c.epoch.Load() {
			cancel()
		}
	}

	err := c.speaker.Speak(ctx, q.u)

	if q.u.AllowInterruption {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Failed to speak utterance %s: %v", q.u.ID, err)
	}
	c.finish(q.u, err)
}

func (c *Controller) finish(u Utterance, err error) {
	if c.OnSpoken != nil {
		c.OnSpoken(u, err)
	}
}
