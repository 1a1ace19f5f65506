package main

import (
	"strings"
	"sync"
	"time"
)

// ConversationMode controls Enter-key semantics and the default action
// affordance in the panel.
type ConversationMode string

const (
	ModeDraft ConversationMode = "draft"
	ModeChat  ConversationMode = "chat"
)

// Message is one entry of the in-memory conversation history.
type Message struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Range is a (offset, length) selection in the target element's text,
// captured at panel-open so output can replace the original selection.
type Range struct {
	Location int
	Length   int
}

const tokenFlushInterval = 50 * time.Millisecond

// Session is the single active interaction context for one panel lifecycle.
// It is created once per app run and blanked at panel-open and turn
// boundaries, never destroyed. All fields are confined to the UI loop;
// the only cross-goroutine entry point is AppendToken, which touches the
// internal token buffer under its own lock and nothing else.
type Session struct {
	PromptText   string
	ResponseText string
	IsGenerating bool
	ErrorText    string

	Messages []Message
	Mode     ConversationMode

	// Per-turn side tables captured at panel-open.
	SelectedContext string
	TargetElement   ElementRef // weak back-reference, never owned
	TargetBundleID  string
	TargetPID       int
	SelectedRange   *Range
	Screenshot      []byte // first turn only, capped resolution JPEG

	// PanelWidth is computed once per panel-open from the target window
	// width. It is panel geometry, not conversation state: every clearing
	// operation leaves it alone.
	PanelWidth float64

	Visible bool

	loop  *uiLoop
	clock clock

	bufMu    sync.Mutex
	tokenBuf strings.Builder

	flushTicker *time.Ticker
	flushDone   chan struct{}

	// changed is a coalescing change signal consumed by the panel manager's
	// resize subscription. Buffered 1; redundant notifications collapse.
	changed chan struct{}

	// onChange, when set, runs synchronously on every notification (UI loop
	// only). The app uses it to push render snapshots to the panel.
	onChange func()
}

func NewSession(loop *uiLoop, c clock) *Session {
	if c == nil {
		c = realClock{}
	}
	return &Session{
		Mode:    ModeDraft,
		loop:    loop,
		clock:   c,
		changed: make(chan struct{}, 1),
	}
}

// Changed returns the coalesced change-notification channel.
func (s *Session) Changed() <-chan struct{} {
	return s.changed
}

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
	if s.onChange != nil {
		s.onChange()
	}
}

// SetChangeListener installs a synchronous change callback. UI loop only.
func (s *Session) SetChangeListener(fn func()) {
	s.onChange = fn
}

// AppendMessage appends one history entry, preserving call order.
// History is only ever mutated here and in ClearConversation.
func (s *Session) AppendMessage(role, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: s.clock.Now(),
	})
	s.notify()
}

// ClearCurrentResponse blanks the prompt, response, generating flag and
// error. Conversation history, selected context and PanelWidth survive.
func (s *Session) ClearCurrentResponse() {
	s.PromptText = ""
	s.ResponseText = ""
	s.IsGenerating = false
	s.ErrorText = ""
	s.bufMu.Lock()
	s.tokenBuf.Reset()
	s.bufMu.Unlock()
	s.notify()
}

// ClearResponse is ClearCurrentResponse plus the per-turn target context:
// selected text, selection range and screenshot.
func (s *Session) ClearResponse() {
	s.ClearCurrentResponse()
	s.SelectedContext = ""
	s.SelectedRange = nil
	s.Screenshot = nil
	s.notify()
}

// CompleteTurn finishes the visible turn. The prompt is captured before any
// clearing: the user may have typed a follow-up while the previous answer
// was still on screen, and clearing first would silently drop it. The
// response becomes an assistant message only if non-empty. Returns the
// trimmed pending prompt, or "" / false if there is none.
func (s *Session) CompleteTurn() (string, bool) {
	pending := strings.TrimSpace(s.PromptText)
	if s.ResponseText != "" {
		s.AppendMessage("assistant", s.ResponseText)
	}
	s.ClearCurrentResponse()
	if pending == "" {
		return "", false
	}
	return pending, true
}

// ClearConversation resets history and mode, then clears the current
// response and context. PanelWidth survives.
func (s *Session) ClearConversation() {
	s.Messages = nil
	s.Mode = ModeDraft
	s.ClearResponse()
}

// AppendToken buffers one streamed token. Safe to call from any goroutine;
// the buffer is drained into ResponseText on the UI loop by the flush
// ticker, bounding UI-affecting mutations during a fast stream.
func (s *Session) AppendToken(tok string) {
	s.bufMu.Lock()
	s.tokenBuf.WriteString(tok)
	s.bufMu.Unlock()
}

// DropBufferedTokens discards tokens that have not been flushed yet. Used
// after a cancel so stragglers from the abandoned turn cannot surface in
// the next one.
func (s *Session) DropBufferedTokens() {
	s.bufMu.Lock()
	s.tokenBuf.Reset()
	s.bufMu.Unlock()
}

// StartTokenFlush begins the 50ms batching ticker. Call on the UI loop when
// a generation starts. Idempotent per turn: callers stop before restarting.
func (s *Session) StartTokenFlush() {
	if s.flushTicker != nil {
		return
	}
	s.flushTicker = s.clock.NewTicker(tokenFlushInterval)
	s.flushDone = make(chan struct{})
	ticker, done := s.flushTicker, s.flushDone
	go func() {
		for {
			select {
			case <-ticker.C:
				s.loop.Post(s.flushTokens)
			case <-done:
				return
			}
		}
	}()
}

// StopTokenFlush stops the ticker and flushes any buffered remainder
// immediately. Must run on the UI loop.
func (s *Session) StopTokenFlush() {
	if s.flushTicker == nil {
		return
	}
	s.flushTicker.Stop()
	close(s.flushDone)
	s.flushTicker = nil
	s.flushDone = nil
	s.flushTokens()
}

// flushTokens moves the buffered tokens into ResponseText in one update.
// UI loop only.
func (s *Session) flushTokens() {
	s.bufMu.Lock()
	chunk := s.tokenBuf.String()
	s.tokenBuf.Reset()
	s.bufMu.Unlock()
	if chunk == "" {
		return
	}
	s.ResponseText += chunk
	s.notify()
}

// AttachScreenshot adds a window capture to the session if one arrived.
// Screenshot capture races with user interaction; it only ever adds,
// never overwrites in-flight edits.
func (s *Session) AttachScreenshot(data []byte) {
	if len(data) == 0 {
		return
	}
	s.Screenshot = data
	s.notify()
}
