package main

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePanelWindow records panel operations without a real window system.
type fakePanelWindow struct {
	mu            sync.Mutex
	frame         Rect
	moves         []Point
	resizes       []Point
	shown         bool
	hidden        bool
	focusFailures int
	focusCalls    int
	contentHeight float64
}

func (f *fakePanelWindow) Ensure(width float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame.W = width
	if f.frame.H == 0 {
		f.frame.H = panelMinHeight
	}
}

func (f *fakePanelWindow) MoveTo(origin Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame.X, f.frame.Y = origin.X, origin.Y
	f.moves = append(f.moves, origin)
}

func (f *fakePanelWindow) Resize(width, height float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	top := f.frame.Y + f.frame.H
	f.frame.W, f.frame.H = width, height
	f.frame.Y = top - height
	f.resizes = append(f.resizes, Point{X: width, Y: height})
}

func (f *fakePanelWindow) ShowWithoutActivating() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = true
	f.hidden = false
}

func (f *fakePanelWindow) Hide() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden = true
}

func (f *fakePanelWindow) FocusInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusCalls++
	if f.focusCalls <= f.focusFailures {
		return errors.New("input not ready")
	}
	return nil
}

func (f *fakePanelWindow) ContentHeight() float64 {
	if f.contentHeight > 0 {
		return f.contentHeight
	}
	return panelMinHeight
}

func (f *fakePanelWindow) Frame() Rect {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

func (f *fakePanelWindow) lastMove() (Point, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.moves) == 0 {
		return Point{}, false
	}
	return f.moves[len(f.moves)-1], true
}

// newTestPanel wires a PanelManager against the mock OS backend and a fake
// window. The transport points at a dead port, so the stub generator serves
// all generations.
func newTestPanel(m *mockAXBackend) (*PanelManager, *Session, *fakePanelWindow, *uiLoop) {
	loop := newUILoop(nil)
	go loop.Run()
	session := NewSession(loop, nil)
	ax := newAccessibilityServiceWithBackend(m, &fakeClock{})
	window := &fakePanelWindow{}
	ws := NewWebSocketClient("127.0.0.1", 1)
	pm := NewPanelManager(loop, nil, session, ax, window, ws, nil)
	handlers := pm.StreamHandlers()
	ws.SetHandlers(handlers)
	pm.stub = newStubGenerator(handlers, nil)
	return pm, session, window, loop
}

// onLoop runs fn on the UI loop and waits for it.
func onLoop(t *testing.T, loop *uiLoop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.Post(func() { fn(); close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop callback did not run")
	}
}

func waitFor(t *testing.T, loop *uiLoop, what string, pred func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		var ok bool
		onLoop(t, loop, func() { ok = pred() })
		if ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShowPopulatesSessionAndWidth(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.focusedEl = "field"
	m.pid = 42
	m.bundleID = "com.apple.TextEdit"
	m.caretPoint = Point{X: 400, Y: 500}
	m.selText = "teh qick fox"
	m.selRange = &Range{Location: 10, Length: 12}
	m.frames[42] = Rect{X: 100, Y: 100, W: 1000, H: 600}

	pm, session, window, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)

	if !pm.IsVisible() {
		t.Fatal("panel not visible after Show")
	}
	if session.TargetPID != 42 || session.TargetBundleID != "com.apple.TextEdit" {
		t.Errorf("target = %d/%q", session.TargetPID, session.TargetBundleID)
	}
	if session.SelectedContext != "teh qick fox" {
		t.Errorf("SelectedContext = %q", session.SelectedContext)
	}
	if session.PanelWidth != 700 { // 0.7 × 1000
		t.Errorf("PanelWidth = %v; want 700", session.PanelWidth)
	}
	if window.Frame().W != 700 {
		t.Errorf("window width = %v; want 700", window.Frame().W)
	}
	if !window.shown {
		t.Error("window never shown")
	}
	// Caret-anchored target: panel placed just below the caret point.
	move, ok := window.lastMove()
	if !ok {
		t.Fatal("window never positioned")
	}
	want := placeBelowAnchor(Point{X: 700, Y: panelMinHeight}, Point{X: 400, Y: 500}, m.visible)
	if move != want {
		t.Errorf("origin = %+v; want %+v", move, want)
	}
}

func TestFrameAnchoredTargetIgnoresCaret(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.tinyspeck.slackmacgap"
	m.focusedEl = "composer"
	m.pid = 42
	m.bundleID = "com.tinyspeck.slackmacgap"
	m.caretPoint = Point{X: 400, Y: 500} // available, and must be ignored
	m.frames[42] = Rect{X: 200, Y: 100, W: 1000, H: 700}

	pm, session, window, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)

	move, ok := window.lastMove()
	if !ok {
		t.Fatal("window never positioned")
	}
	want := centerInFrame(Point{X: session.PanelWidth, Y: panelMinHeight}, m.frames[42], m.visible)
	if move != want {
		t.Errorf("origin = %+v; want centered %+v, never a caret estimate", move, want)
	}
}

func TestShowSubstitutesPreviousTargetOnSelfFocus(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.focusedEl = "field"
	m.pid = 42
	m.bundleID = "com.apple.TextEdit"
	m.frames[42] = Rect{X: 0, Y: 0, W: 1000, H: 600}

	pm, session, _, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)
	onLoop(t, loop, pm.Hide)

	// Rapid re-invocation: GhostType itself is still frontmost.
	m.frontPID = m.selfPID
	m.frontBundle = "dev.ghosttype.GhostType"
	onLoop(t, loop, pm.Show)

	if session.TargetPID != 42 {
		t.Errorf("TargetPID = %d; want previous target 42", session.TargetPID)
	}
	if session.TargetBundleID != "com.apple.TextEdit" {
		t.Errorf("TargetBundleID = %q; want previous target", session.TargetBundleID)
	}
	// The element query is skipped for a substituted target: locating focus
	// now would capture GhostType's own UI.
	if session.TargetElement != nil {
		t.Errorf("TargetElement = %v; want nil for substituted target", session.TargetElement)
	}
}

func TestHideClearsConversationAndReactivates(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.frames[42] = Rect{W: 1000, H: 600}

	pm, session, window, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)
	onLoop(t, loop, func() {
		session.AppendMessage("user", "hi")
		session.ResponseText = "partial"
	})
	onLoop(t, loop, pm.Hide)

	if pm.IsVisible() {
		t.Error("panel still visible after Hide")
	}
	if !window.hidden {
		t.Error("window not hidden")
	}
	if len(session.Messages) != 0 || session.ResponseText != "" {
		t.Error("conversation not cleared on hide")
	}
	m.mu.Lock()
	reactivated := len(m.activated) > 0 && m.activated[len(m.activated)-1] == 42
	m.mu.Unlock()
	if !reactivated {
		t.Errorf("previous target not reactivated: %v", m.activated)
	}
}

func TestToggle(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frames[42] = Rect{W: 800, H: 600}
	pm, _, _, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Toggle)
	if !pm.IsVisible() {
		t.Fatal("first toggle should show")
	}
	onLoop(t, loop, pm.Toggle)
	if pm.IsVisible() {
		t.Fatal("second toggle should hide")
	}
}

func TestHandleEnterGating(t *testing.T) {
	m := newMockAXBackend()
	pm, session, _, loop := newTestPanel(m)
	defer loop.Stop()

	var consumed bool
	onLoop(t, loop, func() { consumed = pm.HandleEnter() })
	if consumed {
		t.Error("Enter consumed with no response")
	}

	onLoop(t, loop, func() {
		session.ResponseText = "answer"
		session.IsGenerating = true
		consumed = pm.HandleEnter()
	})
	if consumed {
		t.Error("Enter consumed while generating")
	}
}

func TestAcceptResponseInsertsAndHides(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.focusedEl = "field"
	m.pid = 42
	m.bundleID = "com.apple.TextEdit"
	m.frames[42] = Rect{W: 1000, H: 600}

	pm, session, window, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)
	onLoop(t, loop, func() {
		session.ResponseText = "The quick fox"
		session.SelectedRange = nil // insertion at caret, not replacement
	})

	var consumed bool
	onLoop(t, loop, func() { consumed = pm.HandleEnter() })
	if !consumed {
		t.Fatal("Enter not consumed with response present")
	}

	// Insertion runs off the loop; the direct ladder should land on the
	// first attempt for a plain editor.
	deadline := time.After(2 * time.Second)
	for {
		events := m.events()
		found := false
		for _, e := range events {
			if e == "replace:The quick fox" {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("direct insertion never happened: %v", m.events())
		case <-time.After(10 * time.Millisecond):
		}
	}
	m.mu.Lock()
	pastes := m.pasteCalls
	m.mu.Unlock()
	if pastes != 0 {
		t.Errorf("paste calls = %d; editor targets use the direct ladder", pastes)
	}
	if !window.hidden {
		t.Error("panel should hide after accepting with no pending prompt")
	}
}

func TestAcceptResponseSubmitsPendingPrompt(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.frames[42] = Rect{W: 1000, H: 600}

	pm, session, window, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)
	onLoop(t, loop, func() {
		session.ResponseText = "first answer"
		session.PromptText = "and a follow-up"
		pm.AcceptResponse()
	})

	waitFor(t, loop, "assistant message", func() bool {
		return len(session.Messages) >= 2
	})
	onLoop(t, loop, func() {
		if session.Messages[0].Content != "first answer" || session.Messages[0].Role != "assistant" {
			t.Errorf("history[0] = %+v", session.Messages[0])
		}
		if session.Messages[1].Content != "and a follow-up" || session.Messages[1].Role != "user" {
			t.Errorf("history[1] = %+v", session.Messages[1])
		}
	})
	if window.hidden {
		t.Error("panel must stay open for the follow-up turn")
	}
}

func TestSubmitEndToEndViaStub(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.focusedEl = "field"
	m.pid = 42
	m.bundleID = "com.apple.TextEdit"
	m.selText = "teh qick fox"
	m.caretPoint = Point{X: 10, Y: 400}
	m.frames[42] = Rect{W: 1000, H: 600}

	pm, session, _, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)
	// Submit with an empty prompt over a selection: rewrite in draft mode.
	onLoop(t, loop, func() { pm.Submit("") })

	onLoop(t, loop, func() {
		if session.Mode != ModeDraft {
			t.Errorf("Mode = %q; want draft", session.Mode)
		}
		if !session.IsGenerating {
			t.Error("IsGenerating = false right after submit")
		}
	})

	// The stub echoes the context back as the streamed response.
	waitFor(t, loop, "generation to finish", func() bool {
		return !session.IsGenerating && session.ResponseText != ""
	})
	onLoop(t, loop, func() {
		if session.ResponseText != "teh qick fox" {
			t.Errorf("ResponseText = %q; want %q", session.ResponseText, "teh qick fox")
		}
	})
}

func TestCancelGenerationStopsTurnLocally(t *testing.T) {
	m := newMockAXBackend()
	pm, session, _, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, func() {
		session.SelectedContext = "a long selection to stream slowly over many tokens"
		pm.Submit("")
	})
	onLoop(t, loop, pm.CancelGeneration)

	onLoop(t, loop, func() {
		if session.IsGenerating {
			t.Error("IsGenerating = true after cancel; cancellation is local-first")
		}
	})
}

func TestCancelTargetsGeneratorChosenAtSubmit(t *testing.T) {
	m := newMockAXBackend()
	pm, session, _, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, func() {
		session.SelectedContext = "a long selection to stream slowly over many tokens"
		pm.Submit("") // backend down at submit time: the stub owns this turn
	})

	// The health probe flips up mid-turn. Cancel must still reach the
	// stub, not the freshly available transport.
	pm.transport.available.Store(true)
	onLoop(t, loop, pm.CancelGeneration)

	if !pm.stub.(*stubGenerator).cancelled.Load() {
		t.Error("cancel did not reach the generator that owns the turn")
	}
}

func TestTokensDeliveredWhileCancelling(t *testing.T) {
	m := newMockAXBackend()
	pm, session, _, loop := newTestPanel(m)
	defer loop.Stop()

	handlers := pm.StreamHandlers()

	onLoop(t, loop, func() {
		session.SelectedContext = "a long selection to stream slowly over many tokens"
		pm.Submit("")
	})

	// Tokens arrive from a reader goroutine while the loop cancels the
	// turn. Delivery goes through the locked token buffer and must not
	// consult any loop-confined session field.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				handlers.OnToken(" tok")
			}
		}
	}()

	onLoop(t, loop, pm.CancelGeneration)
	onLoop(t, loop, func() {
		if session.IsGenerating {
			t.Error("IsGenerating = true after cancel")
		}
	})
	close(stop)
	wg.Wait()
}

func TestUntrustedFocusStillAnchorsToWindowFrame(t *testing.T) {
	m := newMockAXBackend()
	m.trusted = false
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.frames[42] = Rect{X: 100, Y: 100, W: 1000, H: 600}

	pm, session, window, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)

	move, ok := window.lastMove()
	if !ok {
		t.Fatal("window never positioned")
	}
	want := centerInFrame(Point{X: session.PanelWidth, Y: panelMinHeight}, m.frames[42], m.visible)
	if move != want {
		t.Errorf("origin = %+v; want frame-centered %+v, not a pointer fallback", move, want)
	}
}

func TestLateScreenshotDoesNotRideNextRequest(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frontBundle = "com.apple.TextEdit"
	m.frames[42] = Rect{W: 1000, H: 600}
	m.captureData = []byte("jpeg")
	m.captureGate = make(chan struct{})

	pm, session, _, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, pm.Show)
	onLoop(t, loop, func() {
		session.SelectedContext = "ctx"
		pm.Submit("")
	})
	waitFor(t, loop, "first turn to finish", func() bool {
		return !session.IsGenerating
	})

	// The capture completes only after the first request went out.
	close(m.captureGate)
	time.Sleep(100 * time.Millisecond)

	onLoop(t, loop, func() {
		if session.Screenshot != nil {
			t.Error("late screenshot attached; it would ride the next request")
		}
	})
}

func TestResizeSuppressedWhileGenerating(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frames[42] = Rect{W: 1000, H: 600}
	pm, session, window, loop := newTestPanel(m)
	defer loop.Stop()

	onLoop(t, loop, func() {
		pm.Show()
		session.IsGenerating = true
	})
	window.mu.Lock()
	window.resizes = nil
	window.contentHeight = 480
	window.mu.Unlock()

	// Let the post-show settle resize fire; it must be suppressed too.
	time.Sleep(2 * layoutSettleWait)
	onLoop(t, loop, pm.resizeToContent)
	window.mu.Lock()
	suppressed := len(window.resizes) == 0
	window.mu.Unlock()
	if !suppressed {
		t.Fatal("resize ran while generating")
	}

	onLoop(t, loop, func() {
		session.IsGenerating = false
		pm.resizeToContent()
	})
	window.mu.Lock()
	defer window.mu.Unlock()
	if len(window.resizes) != 1 || window.resizes[0].Y != 480 {
		t.Fatalf("resizes = %v; want one resize to height 480", window.resizes)
	}
}

func TestFocusInputRetriesUntilReady(t *testing.T) {
	m := newMockAXBackend()
	m.frontPID = 42
	m.frames[42] = Rect{W: 1000, H: 600}
	pm, _, window, loop := newTestPanel(m)
	window.focusFailures = 2
	defer loop.Stop()

	onLoop(t, loop, pm.Show)

	deadline := time.After(2 * time.Second)
	for {
		window.mu.Lock()
		calls := window.focusCalls
		window.mu.Unlock()
		if calls >= 3 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("focus attempts = %d; want retries until success", calls)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
