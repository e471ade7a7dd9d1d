package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/agent/llm"
)

var testOptions = Options{MaxTokens: 64, Temperature: 0.3, MaxContextTokens: 4000}

type blockingSpeaker struct {
	started chan Utterance
	release chan struct{}

	mu        sync.Mutex
	delivered []string
}

func newBlockingSpeaker() *blockingSpeaker {
	return &blockingSpeaker{started: make(chan Utterance, 16), release: make(chan struct{})}
}

func (b *blockingSpeaker) Speak(ctx context.Context, u Utterance) error {
	b.started <- u
	select {
	case <-b.release:
		b.mu.Lock()
		b.delivered = append(b.delivered, u.Text)
		b.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingSpeaker) Delivered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.delivered...)
}

type spokenLog struct {
	mu   sync.Mutex
	errs map[string]error
	wg   sync.WaitGroup
}

func watch(c *Controller, expected int) *spokenLog {
	l := &spokenLog{errs: map[string]error{}}
	l.wg.Add(expected)
	c.OnSpoken = func(u Utterance, err error) {
		l.mu.Lock()
		l.errs[u.Text] = err
		l.mu.Unlock()
		l.wg.Done()
	}
	return l
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for utterances")
	}
}

func TestSwapDuringTurnAppliesToNextTurn(t *testing.T) {
	mock := NewMockLLMClient([]llm.CompletionResponse{{Content: "Pan left."}, {Content: "Hold."}}, nil)
	mock.Gate = make(chan struct{})
	mock.Started = make(chan llm.CompletionRequest, 2)

	speaker := &RecordingSpeaker{}
	c := NewController(NewAgent(mock, "old directive", testOptions), speaker, 4, nil)
	defer c.Close()

	type result struct {
		reply string
		err   error
	}
	first := make(chan result, 1)
	go func() {
		reply, err := c.Respond(context.Background(), "what should I fix?")
		first <- result{reply, err}
	}()

	inFlight := <-mock.Started

	swapped := make(chan struct{})
	go func() {
		c.Swap("new directive")
		close(swapped)
	}()
	select {
	case <-swapped:
	case <-time.After(time.Second):
		t.Fatal("Swap blocked on the in-flight turn")
	}
	assert.Equal(t, "new directive", c.Agent().Directive())

	close(mock.Gate)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, "Pan left.", r.reply)
	assert.Equal(t, "old directive", inFlight.Messages[0].Content)

	_, err := c.Respond(context.Background(), "and now?")
	require.NoError(t, err)
	next := <-mock.Started
	assert.Equal(t, llm.RoleSystem, next.Messages[0].Role)
	assert.Equal(t, "new directive", next.Messages[0].Content)

	// History carries the first exchange into the second turn.
	var contents []string
	for _, m := range next.Messages[1:] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"what should I fix?", "Pan left.", "and now?"}, contents)
	assert.Equal(t, uint64(1), c.Swaps())
}

func TestConcurrentSwapsLastWins(t *testing.T) {
	c := NewController(NewAgent(NewMockLLMClient(nil, nil), "d0", testOptions), &RecordingSpeaker{}, 4, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for _, d := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			c.Swap(d)
		}(d)
	}
	wg.Wait()
	assert.Contains(t, []string{"a", "b", "c"}, c.Agent().Directive())
	assert.Equal(t, uint64(3), c.Swaps())
}

func TestSpeakDoesNotBlock(t *testing.T) {
	speaker := newBlockingSpeaker()
	c := NewController(NewAgent(NewMockLLMClient(nil, nil), "d", testOptions), speaker, 1, nil)
	defer c.Close()

	require.NoError(t, c.Speak("first", false))
	<-speaker.started // first is now being delivered and the queue is empty

	require.NoError(t, c.Speak("second", false))
	assert.ErrorIs(t, c.Speak("third", false), ErrQueueFull)
	assert.ErrorIs(t, c.Speak("   ", false), ErrEmptyUtterance)

	close(speaker.release)
	<-speaker.started
	assert.Eventually(t, func() bool { return len(speaker.Delivered()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, speaker.Delivered())
}

func TestInterrupt(t *testing.T) {
	speaker := newBlockingSpeaker()
	c := NewController(NewAgent(NewMockLLMClient(nil, nil), "d", testOptions), speaker, 8, nil)
	defer c.Close()
	spoken := watch(c, 3)

	require.NoError(t, c.Speak("long interruptible", true))
	<-speaker.started
	require.NoError(t, c.Speak("queued interruptible", true))
	require.NoError(t, c.Speak("must say", false))

	c.Interrupt()

	got := <-speaker.started
	assert.Equal(t, "must say", got.Text)
	close(speaker.release)
	waitGroup(t, &spoken.wg)

	spoken.mu.Lock()
	defer spoken.mu.Unlock()
	assert.ErrorIs(t, spoken.errs["long interruptible"], context.Canceled)
	assert.ErrorIs(t, spoken.errs["queued interruptible"], context.Canceled)
	assert.NoError(t, spoken.errs["must say"])
}

func TestSpeakRecordsHistory(t *testing.T) {
	mock := NewMockLLMClient([]llm.CompletionResponse{{Content: "Step back."}}, nil)
	c := NewController(NewAgent(mock, "d", testOptions), &RecordingSpeaker{}, 4, nil)
	defer c.Close()

	require.NoError(t, c.Speak("Auteur ready.", true))
	_, err := c.Respond(context.Background(), "framing?")
	require.NoError(t, err)

	msgs := c.Agent().History().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.NewAssistantMessage("Auteur ready."), msgs[0])
	assert.Equal(t, llm.NewUserMessage("framing?"), msgs[1])
	assert.Equal(t, llm.NewAssistantMessage("Step back."), msgs[2])
}

func TestRespondErrors(t *testing.T) {
	mock := NewMockLLMClient(nil, []error{errors.New("boom")})
	speaker := &RecordingSpeaker{}
	c := NewController(NewAgent(mock, "d", testOptions), speaker, 4, nil)
	defer c.Close()

	_, err := c.Respond(context.Background(), "hi")
	assert.Error(t, err)

	_, err = c.Respond(context.Background(), "  ")
	assert.Error(t, err)

	assert.Zero(t, c.Agent().History().Len())
	assert.Empty(t, speaker.Utterances())
}

func TestClose(t *testing.T) {
	speaker := newBlockingSpeaker()
	c := NewController(NewAgent(NewMockLLMClient(nil, nil), "d", testOptions), speaker, 4, nil)

	require.NoError(t, c.Speak("in flight", false))
	<-speaker.started

	c.Close() // aborts the in-flight utterance
	c.Close() // idempotent
	assert.ErrorIs(t, c.Speak("late", false), ErrClosed)
	assert.Empty(t, speaker.Delivered())
}
