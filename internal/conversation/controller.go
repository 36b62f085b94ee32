// Package conversation implements the session state machine of a voice chat:
// typed or dictated input, one in-flight language-model request at a time,
// and spoken playback of assistant replies.
//
// The [Controller] is the single authority over [State]. Public methods apply
// their transition synchronously under one lock. Asynchronous inputs (model
// replies, capture events and playback events) are queued and applied one at a
// time, in arrival order, by a single event-loop goroutine. Every transition
// publishes a fresh snapshot to subscribers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/aletheia/internal/capture"
	"github.com/MrWong99/aletheia/internal/observe"
	"github.com/MrWong99/aletheia/internal/playback"
	"github.com/MrWong99/aletheia/pkg/provider/llm"
	"github.com/MrWong99/aletheia/pkg/types"
)

// Playback is the speech playback capability used by the Controller.
// [playback.Adapter] implements it.
type Playback interface {
	Speak(ctx context.Context, text string) error
	Cancel()
	Speaking() bool
	SetHandler(h func(playback.Event))
}

// Capture is the dictation capability used by the Controller.
// [capture.Adapter] implements it.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	Abort()
	Active() bool
	Session() uint64
	SetHandler(h func(capture.Event))
}

var (
	_ Playback = (*playback.Adapter)(nil)
	_ Capture  = (*capture.Adapter)(nil)
)

// Controller is the Conversation Controller. All exported methods are safe for
// concurrent use.
type Controller struct {
	llm      llm.Provider
	playback Playback
	capture  Capture

	timeout      time.Duration
	metrics      *observe.Metrics
	providerName string
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// playMu serialises cancel-then-speak sequences. It is taken before mu
	// and never while mu is held.
	playMu sync.Mutex

	mu           sync.Mutex
	gen          Generation
	systemPrompt string
	transcript   Transcript
	draft        string
	pending      bool
	listening    bool
	starting     bool
	speaking     bool
	lastErr      string
	lastErrKind  ErrorKind
	closed       bool
	subs         map[uint64]chan State
	nextSub      uint64

	qmu      sync.Mutex
	queue    []func()
	stopped  bool
	notify   chan struct{}
	loopDone chan struct{}
}

// New creates a Controller. The language-model provider is required. A nil
// pb disables playback; a nil cp makes every dictation start report an
// unsupported host.
func New(provider llm.Provider, pb Playback, cp Capture, opts ...Option) (*Controller, error) {
	if provider == nil {
		return nil, fmt.Errorf("conversation: llm provider must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		llm:          provider,
		playback:     pb,
		capture:      cp,
		gen:          DefaultGeneration(),
		timeout:      DefaultRequestTimeout,
		providerName: "llm",
		log:          slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[uint64]chan State),
		notify:       make(chan struct{}, 1),
		loopDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	if c.playback != nil {
		c.playback.SetHandler(func(ev playback.Event) {
			c.post(func() { c.onPlaybackEvent(ev) })
		})
	}
	if c.capture != nil {
		c.capture.SetHandler(func(ev capture.Event) {
			c.post(func() { c.onCaptureEvent(ev) })
		})
	}

	go c.loop()
	return c, nil
}

// ── Intents ──────────────────────────────────────────────────────────────────

// SubmitUserMessage sends text to the model. Empty or whitespace-only text
// yields [ErrEmptyInput] and a send while another is pending yields
// [ErrRequestInFlight]; both leave the state untouched. On acceptance the
// user message is appended, the error and the draft are cleared, and the reply
// is applied asynchronously.
func (c *Controller) SubmitUserMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.pending {
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	if err := c.transcript.Append(types.Message{Role: types.RoleUser, Content: text}); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pending = true
	c.lastErr, c.lastErrKind = "", ErrorKindNone
	c.draft = ""
	req := llm.CompletionRequest{
		Messages:     c.transcript.Messages(),
		SystemPrompt: c.systemPrompt,
		Temperature:  c.gen.Temperature,
		TopK:         c.gen.TopK,
		TopP:         c.gen.TopP,
		MaxTokens:    c.gen.MaxOutputTokens,
	}
	timeout := c.timeout
	c.wg.Add(1)
	c.publishLocked()
	c.mu.Unlock()

	go c.request(ctx, req, timeout)
	return nil
}

// ToggleAssistantSpeech stops playback while speaking. Otherwise it speaks the
// latest assistant message, if there is one.
func (c *Controller) ToggleAssistantSpeech(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.playback == nil {
		c.mu.Unlock()
		return
	}
	if c.speaking {
		c.playback.Cancel()
		c.speaking = false
		c.publishLocked()
		c.mu.Unlock()
		return
	}
	msg, ok := c.transcript.LastAssistant()
	c.mu.Unlock()
	if !ok {
		return
	}
	observe.Logger(ctx).Debug("replaying assistant message", "chars", len(msg.Content))
	c.speak(msg.Content)
}

// ApplyDictatedText replaces the draft with a dictated transcript. It does not
// start or stop capture.
func (c *Controller) ApplyDictatedText(text string) {
	c.setDraft(text)
}

// SetDraft replaces the draft with typed text.
func (c *Controller) SetDraft(text string) {
	c.setDraft(text)
}

func (c *Controller) setDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.draft == text {
		return
	}
	c.draft = text
	c.publishLocked()
}

// StartDictation starts speech capture. On failure listening stays off and a
// descriptive capture error is shown; the error is also returned.
//
// The engine is started without holding the state lock, so intents and
// snapshots keep flowing while it connects. A start issued while another is
// still connecting is ignored.
func (c *Controller) StartDictation(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	c.mu.Unlock()

	var err error
	if c.capture == nil {
		err = capture.ErrCaptureUnsupported
	} else {
		err = c.capture.Start(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if c.closed {
		return ErrClosed
	}
	if errors.Is(err, capture.ErrCaptureCancelled) {
		// Stopped or aborted while connecting.
		c.listening = false
		c.publishLocked()
		return nil
	}
	if err != nil {
		c.listening = false
		c.setErrorLocked(ErrorKindCapture, capture.Describe(err))
		c.log.Warn("dictation start failed", "err", err)
		c.publishLocked()
		return err
	}

	// A session that already ended while connecting has delivered its end
	// event; the adapter's flag reflects that.
	c.listening = c.capture.Active()
	c.clearErrorLocked(ErrorKindCapture)
	c.publishLocked()
	return nil
}

// StopDictation stops speech capture. Listening is cleared immediately; a
// final pending result may still update the draft afterwards.
func (c *Controller) StopDictation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.capture == nil {
		return
	}
	if err := c.capture.Stop(); err != nil {
		c.setErrorLocked(ErrorKindCapture, capture.Describe(err))
		c.log.Warn("dictation stop failed", "err", err)
	}
	c.listening = false
	c.publishLocked()
}

// SetGeneration replaces the sampling parameters for subsequent requests.
func (c *Controller) SetGeneration(g Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = g
}

// SetRequestTimeout bounds subsequent requests. Non-positive values are ignored.
func (c *Controller) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// SetSystemPrompt replaces the system instruction for subsequent requests.
func (c *Controller) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = prompt
}

// ── Snapshots ────────────────────────────────────────────────────────────────

// State returns a snapshot of the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel that receives the current state immediately and
// a new snapshot after every transition. A slow subscriber only sees the
// latest snapshot. The channel is closed by the returned cancel func or by
// [Controller.Close].
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan State, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Wait blocks until every accepted request has been applied and all queued
// events have been processed.
func (c *Controller) Wait() {
	c.wg.Wait()
	done := make(chan struct{})
	if !c.post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-c.loopDone:
	}
}

// Close aborts dictation without a final result, cancels playback, abandons
// any in-flight request and closes all subscriptions.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.capture != nil {
		c.capture.Abort()
	}
	if c.playback != nil {
		c.playback.Cancel()
	}
	c.listening = false
	c.speaking = false
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	c.cancel()
	<-c.loopDone
	c.wg.Wait()
	return nil
}

// ── Request lifecycle ────────────────────────────────────────────────────────

// request runs one model call and hands its outcome to the event loop.
func (c *Controller) request(ctx context.Context, req llm.CompletionRequest, timeout time.Duration) {
	defer c.wg.Done()

	reply, err := c.complete(ctx, req, timeout)

	done := make(chan struct{})
	if !c.post(func() {
		defer close(done)
		c.applyReply(ctx, reply, err)
	}) {
		return
	}
	select {
	case <-done:
	case <-c.loopDone:
	}
}

// complete calls the model. The call keeps the caller's values but not its
// cancellation; it is bounded by the request timeout and by Close.
func (c *Controller) complete(ctx context.Context, req llm.CompletionRequest, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	ctx, span := observe.StartSpan(ctx, "conversation.turn")
	start := time.Now()
	resp, err := c.llm.Complete(ctx, req)
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty response")
	}
	if c.metrics != nil {
		c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.RecordProviderCall(ctx, c.providerName, "llm", err)
	}
	observe.EndSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelRequestFailed, err)
	}
	return resp.Content, nil
}

// applyReply runs on the event loop.
func (c *Controller) applyReply(ctx context.Context, reply string, err error) {
	if c.recordReply(ctx, reply, err) {
		c.speak(reply)
	}
}

// recordReply applies the outcome of a request and reports whether the reply
// should be spoken.
func (c *Controller) recordReply(ctx context.Context, reply string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending = false

	if err != nil {
		c.setErrorLocked(ErrorKindRequest, MsgModelRequestFailed)
		observe.Logger(ctx).Warn("model request failed", "err", err)
		if c.metrics != nil {
			c.metrics.RecordTurn(ctx, "error")
		}
		c.publishLocked()
		return false
	}

	if aerr := c.transcript.Append(types.Message{Role: types.RoleAssistant, Content: reply}); aerr != nil {
		c.log.Error("append assistant reply", "err", aerr)
	}
	c.clearErrorLocked(ErrorKindRequest)
	if c.metrics != nil {
		c.metrics.RecordTurn(ctx, "ok")
	}
	c.publishLocked()
	return c.playback != nil
}

// speak plays text, stopping the current utterance first. It must be called
// without mu: voice lookup and synthesis may reach the network. Close cancels
// c.ctx, which bounds a stalled provider.
func (c *Controller) speak(text string) {
	if c.playback == nil {
		return
	}
	c.playMu.Lock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.playMu.Unlock()
		return
	}
	if c.playback.Speaking() {
		c.playback.Cancel()
	}
	err := c.playback.Speak(c.ctx, text)
	c.playMu.Unlock()
	if err != nil {
		c.log.Warn("playback unavailable", "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Close ran while the utterance was starting.
		c.playback.Cancel()
		return
	}
	if speaking := c.playback.Speaking(); speaking != c.speaking {
		c.speaking = speaking
		c.publishLocked()
	}
}

// ── Adapter events ───────────────────────────────────────────────────────────

func (c *Controller) onPlaybackEvent(ev playback.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// The adapter's flag is authoritative; events from a cancelled utterance
	// then cannot resurrect or clear the wrong state.
	speaking := c.playback.Speaking()
	if speaking == c.speaking {
		return
	}
	c.speaking = speaking
	c.log.Debug("playback state changed", "event", ev.Kind, "speaking", speaking)
	c.publishLocked()
}

func (c *Controller) onCaptureEvent(ev capture.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ev.Session != c.capture.Session() {
		return
	}
	switch ev.Kind {
	case capture.EventResult:
		c.draft = ev.Text
	case capture.EventEnd:
		c.listening = false
	case capture.EventError:
		c.listening = false
		c.setErrorLocked(ErrorKindCapture, capture.Describe(ev.Err()))
		c.log.Warn("dictation error", "code", ev.Code)
	default:
		return
	}
	c.publishLocked()
}

// ── Internals ────────────────────────────────────────────────────────────────

func (c *Controller) setErrorLocked(kind ErrorKind, msg string) {
	c.lastErr = msg
	c.lastErrKind = kind
}

func (c *Controller) clearErrorLocked(kind ErrorKind) {
	if c.lastErrKind == kind {
		c.lastErr = ""
		c.lastErrKind = ErrorKindNone
	}
}

func (c *Controller) snapshotLocked() State {
	return State{
		Transcript:       c.transcript.Messages(),
		Draft:            c.draft,
		IsRequestPending: c.pending,
		IsListening:      c.listening,
		IsSpeaking:       c.speaking,
		LastError:        c.lastErr,
		LastErrorKind:    c.lastErrKind,
	}
}

// publishLocked hands the current snapshot to every subscriber, replacing an
// unread older snapshot.
func (c *Controller) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// post queues fn for the event loop. It reports false once the loop stopped.
func (c *Controller) post(fn func()) bool {
	c.qmu.Lock()
	if c.stopped {
		c.qmu.Unlock()
		return false
	}
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.ctx.Done():
			c.qmu.Lock()
			c.stopped = true
			c.queue = nil
			c.qmu.Unlock()
			return
		case <-c.notify:
		}
		for {
			c.qmu.Lock()
			if len(c.queue) == 0 {
				c.qmu.Unlock()
				break
			}
			fn := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.qmu.Unlock()
			fn()
		}
	}
}
