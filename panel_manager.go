package main

import (
	"log"
	"strings"
	"time"

	"github.com/bep/debounce"
)

type panelState int

const (
	panelHidden panelState = iota
	panelOpening
	panelVisible
	panelClosing
)

// Applications that never expose per-character caret geometry — chat and
// collaboration apps on embedded web renderers. For these the panel is
// always centered on the target window frame, even when a caret estimate
// happens to be available.
var frameAnchoredBundleIDs = map[string]bool{
	"com.tinyspeck.slackmacgap": true,
	"com.hnc.Discord":           true,
	"com.microsoft.teams2":      true,
	"notion.id":                 true,
	"com.linear":                true,
	"com.figma.Desktop":         true,
	"md.obsidian":               true,
}

func isFrameAnchored(bundleID string) bool {
	if frameAnchoredBundleIDs[bundleID] {
		return true
	}
	return strings.Contains(strings.ToLower(bundleID), "electron")
}

const (
	resizeDebounce   = 200 * time.Millisecond
	focusRetryCount  = 5
	focusRetryStep   = 50 * time.Millisecond
	layoutSettleWait = 150 * time.Millisecond
)

// generator is the minimal interface the panel manager needs from a text
// generation backend: the live transport client and the offline stub both
// satisfy it.
type generator interface {
	Generate(req GenerateRequest) error
	Cancel()
}

// PanelManager owns the panel lifecycle: show/hide, positioning, resize on
// content change, and the orchestration between the accessibility adapter,
// the session, and the transport. Every method runs on the UI loop unless
// noted otherwise.
type PanelManager struct {
	loop    *uiLoop
	clock   clock
	session *Session
	ax      *AccessibilityService
	window  panelWindow

	transport *WebSocketClient
	stub      generator

	state panelState

	// active is the generator chosen when the current turn was submitted.
	// Cancel must target the same one: the health flag can flip mid-turn
	// and re-routing would cancel the wrong side.
	active generator

	// turnStarted marks that a generation was submitted during this panel
	// cycle. A screenshot arriving afterwards is dropped: the capture
	// belongs to the first request only.
	turnStarted bool

	// Previous real target, remembered across panel cycles so a rapid
	// re-invocation that finds GhostType itself frontmost can still aim at
	// the right application.
	prevTargetPID      int
	prevTargetBundleID string

	// requestConfig is forwarded verbatim in every generation request
	// (provider, model id, credentials profile).
	requestConfig map[string]string

	stopResize chan struct{}
}

func NewPanelManager(loop *uiLoop, c clock, session *Session, ax *AccessibilityService, window panelWindow, transport *WebSocketClient, stub generator) *PanelManager {
	if c == nil {
		c = realClock{}
	}
	return &PanelManager{
		loop:      loop,
		clock:     c,
		session:   session,
		ax:        ax,
		window:    window,
		transport: transport,
		stub:      stub,
	}
}

// SetRequestConfig installs the model config map sent with every request.
func (pm *PanelManager) SetRequestConfig(cfg map[string]string) {
	pm.requestConfig = cfg
}

// StartResizeWatcher subscribes to session changes and resizes the panel to
// its content, debounced to coalesce rapid successive mutations. Resizing
// is suppressed entirely while a generation is streaming: reading
// layout-affected metrics mid-flush is unsafe in a single-threaded UI model.
func (pm *PanelManager) StartResizeWatcher() {
	pm.stopResize = make(chan struct{})
	debounced := debounce.New(resizeDebounce)
	changes := pm.session.Changed()
	stop := pm.stopResize
	go func() {
		for {
			select {
			case <-changes:
				debounced(func() {
					pm.loop.Post(pm.resizeToContent)
				})
			case <-stop:
				return
			}
		}
	}()
}

// StopResizeWatcher ends the resize subscription.
func (pm *PanelManager) StopResizeWatcher() {
	if pm.stopResize != nil {
		close(pm.stopResize)
		pm.stopResize = nil
	}
}

// IsVisible reports whether the panel is showing.
func (pm *PanelManager) IsVisible() bool {
	return pm.state == panelVisible
}

// Toggle shows the panel if hidden, hides it if showing.
func (pm *PanelManager) Toggle() {
	if pm.state == panelVisible {
		pm.Hide()
	} else if pm.state == panelHidden {
		pm.Show()
	}
}

// Show opens the panel over the effective target application.
func (pm *PanelManager) Show() {
	if pm.state != panelHidden {
		return
	}
	pm.state = panelOpening

	// 1. Effective target: the frontmost app, unless that is GhostType
	// itself (rapid re-invocation before the previous hide finished) — then
	// the previously remembered target substitutes.
	targetPID, targetBundle := pm.ax.FrontmostApp()
	selfTarget := targetPID == pm.ax.SelfPID()
	if selfTarget {
		targetPID, targetBundle = pm.prevTargetPID, pm.prevTargetBundleID
		log.Printf("panel: frontmost is self — substituting previous target %q (pid %d)", targetBundle, targetPID)
	}

	// 2. Caret/selection context — only for a real external target.
	// Querying while self-focused would capture GhostType's own UI elements
	// and poison the session.
	var (
		fc       FocusContext
		caret    CaretInfo
		haveInfo bool
	)
	if targetPID > 0 && !selfTarget {
		located, err := pm.ax.LocateFocus()
		if err != nil {
			// No element, but the target's window frame may still anchor
			// the caret read.
			log.Printf("panel: focus lookup failed: %v", err)
			fc = FocusContext{PID: targetPID}
		} else {
			fc = located
		}
		caret, _ = pm.ax.ReadCaret(fc)
		haveInfo = true
	} else if targetPID > 0 {
		caret, _ = pm.ax.ReadCaret(FocusContext{PID: targetPID})
		haveInfo = true
	}

	// 5. Populate the session. Context is set after the conversation clear,
	// which also blanks it.
	pm.session.ClearConversation()
	pm.session.TargetElement = fc.Element
	pm.session.TargetPID = targetPID
	pm.session.TargetBundleID = targetBundle
	if haveInfo {
		pm.session.SelectedContext = caret.SelectedText
		pm.session.SelectedRange = caret.SelectedRange
	}
	pm.session.Visible = true
	pm.turnStarted = false

	// 3. Screenshot is asynchronous and must never delay panel display.
	// Attachment only ever adds to the session, and only before the first
	// submit: a capture landing later would ride the wrong request.
	if targetPID > 0 {
		go func(pid int) {
			data, err := pm.ax.CaptureWindowImage(pid)
			if err != nil {
				return // silent: the feature degrades, the user sees nothing
			}
			pm.loop.Post(func() {
				if pm.session.Visible && pm.session.TargetPID == pid && !pm.turnStarted {
					pm.session.AttachScreenshot(data)
				}
			})
		}(targetPID)
	}

	// 6. Panel width from the target window, recomputed every show.
	targetFrame, haveFrame := pm.ax.ReadWindowFrame(targetPID)
	pm.session.PanelWidth = panelWidthFor(targetFrame)

	// 7. Backend conversation reset, fire-and-forget.
	pm.transport.ResetConversation()

	// 8–9. Create/resize and position the window.
	pm.window.Ensure(pm.session.PanelWidth)
	origin := pm.resolveOrigin(targetBundle, caret, haveInfo, targetFrame, haveFrame)
	pm.window.MoveTo(origin)

	// 10. Remember a real, non-self target for the next cycle.
	if targetPID > 0 && !selfTarget {
		pm.prevTargetPID = targetPID
		pm.prevTargetBundleID = targetBundle
	}

	// 11. Key without activating, then steer focus into the input, which
	// may not exist immediately after window creation.
	pm.window.ShowWithoutActivating()
	pm.focusInputWithRetry(1)

	// 12. Size to content once layout has settled.
	pm.loop.PostDelayed(layoutSettleWait, pm.resizeToContent)

	pm.state = panelVisible
}

// resolveOrigin applies the positioning priority ladder: frame-anchored
// override, a caret read that itself degraded to frame anchoring, any
// resolvable window frame when the caret read failed, and finally the
// caret/mouse point with below-anchor placement.
func (pm *PanelManager) resolveOrigin(bundleID string, caret CaretInfo, haveCaret bool, targetFrame Rect, haveFrame bool) Point {
	size := Point{X: pm.session.PanelWidth, Y: pm.window.Frame().H}
	if size.Y <= 0 {
		size.Y = panelMinHeight
	}

	if isFrameAnchored(bundleID) && haveFrame {
		visible := pm.ax.VisibleFrameFor(targetFrame)
		return centerInFrame(size, targetFrame, visible)
	}
	if haveCaret && caret.Anchor == AnchorFrame {
		visible := pm.ax.VisibleFrameFor(caret.WindowFrame)
		return centerInFrame(size, caret.WindowFrame, visible)
	}
	if !haveCaret {
		if haveFrame {
			visible := pm.ax.VisibleFrameFor(targetFrame)
			return centerInFrame(size, targetFrame, visible)
		}
		anchor := pm.ax.VisibleFrameAt(Point{}).MidPoint()
		return placeBelowAnchor(size, anchor, pm.ax.VisibleFrameAt(anchor))
	}
	visible := pm.ax.VisibleFrameAt(caret.Position)
	return placeBelowAnchor(size, caret.Position, visible)
}

// focusInputWithRetry attempts to steer keyboard focus into the text input,
// with a linearly increasing delay between attempts.
func (pm *PanelManager) focusInputWithRetry(attempt int) {
	if err := pm.window.FocusInput(); err == nil {
		return
	}
	if attempt >= focusRetryCount {
		log.Printf("panel: input focus not acquired after %d attempts", focusRetryCount)
		return
	}
	pm.loop.PostDelayed(time.Duration(attempt)*focusRetryStep, func() {
		pm.focusInputWithRetry(attempt + 1)
	})
}

// Hide withdraws the panel and hands activation back to the previous target.
func (pm *PanelManager) Hide() {
	if pm.state != panelVisible {
		return
	}
	pm.state = panelClosing

	pm.window.Hide()
	pm.session.Visible = false
	if pm.session.IsGenerating {
		pm.CancelGeneration()
	}
	pm.session.ClearConversation()

	if pm.prevTargetPID > 0 {
		pm.ax.ActivateApp(pm.prevTargetPID)
	} else {
		pm.ax.DeactivateSelf()
	}
	pm.state = panelHidden
}

// HandleEscape hides the panel. Active only while visible.
func (pm *PanelManager) HandleEscape() {
	pm.Hide()
}

// HandleEnter intercepts a plain Enter press. It is consumed only when a
// non-empty response exists and no generation is in progress — then it
// completes the turn instead of reaching the input's own submit handling.
// Returns whether the key was consumed.
func (pm *PanelManager) HandleEnter() bool {
	if pm.session.ResponseText == "" || pm.session.IsGenerating {
		return false
	}
	pm.AcceptResponse()
	return true
}

// Submit starts one generation turn for the given prompt. Gated on
// isGenerating: the transport allows a single outstanding request.
func (pm *PanelManager) Submit(prompt string) {
	if pm.session.IsGenerating {
		return
	}
	ctx := pm.session.SelectedContext
	mode := DetectMode(prompt, ctx)
	modeType := ClassifyModeType(mode, ctx)
	pm.session.Mode = modeType

	if strings.TrimSpace(prompt) != "" {
		pm.session.AppendMessage("user", prompt)
	}
	pm.session.PromptText = ""
	pm.session.ErrorText = ""
	pm.session.IsGenerating = true
	pm.session.StartTokenFlush()

	req := GenerateRequest{
		Prompt:     prompt,
		Context:    ctx,
		Mode:       mode,
		ModeType:   modeType,
		Config:     pm.requestConfig,
		Screenshot: EncodeScreenshot(pm.session.Screenshot),
	}
	// The screenshot belongs to the first turn only.
	pm.session.Screenshot = nil

	gen := pm.pickGenerator()
	pm.active = gen
	pm.turnStarted = true
	if err := gen.Generate(req); err != nil {
		log.Printf("panel: generation failed to start: %v", err)
		pm.session.StopTokenFlush()
		pm.session.IsGenerating = false
		pm.session.ErrorText = "Backend unavailable. Is the GhostType agent running?"
	}
}

// pickGenerator routes to the live backend when the health probe says it is
// up, the local stub otherwise.
func (pm *PanelManager) pickGenerator() generator {
	if pm.transport.Available() {
		return pm.transport
	}
	log.Printf("panel: backend unavailable — using local stub")
	return pm.stub
}

// CancelGeneration stops the current turn. Advisory toward the backend:
// local consumption stops immediately, the server catches up on its own.
// Cancel goes to the generator the turn was submitted on, never re-routed.
func (pm *PanelManager) CancelGeneration() {
	if !pm.session.IsGenerating || pm.active == nil {
		return
	}
	pm.active.Cancel()
	pm.session.StopTokenFlush()
	pm.session.IsGenerating = false
	pm.session.DropBufferedTokens()
}

// AcceptResponse completes the visible turn: the response is inserted into
// the target application, and a prompt typed while the answer was on screen
// becomes the next turn.
func (pm *PanelManager) AcceptResponse() {
	response := pm.session.ResponseText
	fc := FocusContext{
		Element:  pm.session.TargetElement,
		PID:      pm.session.TargetPID,
		BundleID: pm.session.TargetBundleID,
	}
	rng := pm.session.SelectedRange

	pending, hasPending := pm.session.CompleteTurn()

	if response != "" && fc.PID > 0 {
		pm.insertIntoTarget(response, fc, rng)
	}
	if hasPending {
		pm.Submit(pending)
		return
	}
	pm.Hide()
}

// insertIntoTarget reactivates the target and runs the insertion sequence
// off the UI loop — the retry ladder sleeps between attempts to let the
// refocused app settle, and those waits must not stall the loop. Failure is
// reported back as a turn-local error, never a crash.
func (pm *PanelManager) insertIntoTarget(text string, fc FocusContext, rng *Range) {
	pm.ax.ActivateApp(fc.PID)
	go func() {
		if rng != nil && fc.Element != nil {
			if pm.ax.RestoreSelection(fc.Element, *rng, text) {
				log.Printf("panel: replaced original selection (%d chars)", len(text))
				return
			}
			// Stale element or uncooperative app; fall through to the
			// regular ladder.
		}
		if err := pm.ax.InsertText(text, fc); err != nil {
			log.Printf("panel: insertion failed: %v", err)
			pm.loop.Post(func() {
				pm.session.ErrorText = "Could not insert text into the target application."
			})
		}
	}()
}

// ── stream handlers: called from the transport's reader goroutine ───────────

// StreamHandlers returns the callback set to install on the transport. Each
// handler marshals onto the UI loop before touching the session.
func (pm *PanelManager) StreamHandlers() StreamHandlers {
	return StreamHandlers{
		OnToken: func(content string) {
			// Buffer append is cheap and lock-scoped; the flush ticker moves
			// it into the visible response on the loop. The transport and
			// stub both stop delivering once their turn ends, and a local
			// cancel drops the buffer, so no session field is consulted here.
			pm.session.AppendToken(content)
		},
		OnDone: func(content string) {
			pm.loop.Post(func() {
				if !pm.session.IsGenerating {
					return // cancelled turn; late frames are ignored
				}
				pm.session.StopTokenFlush()
				if content != "" {
					// The done frame carries the authoritative full text.
					pm.session.ResponseText = content
				}
				pm.session.IsGenerating = false
				pm.session.notify()
			})
		},
		OnError: func(content string) {
			pm.loop.Post(func() {
				pm.session.StopTokenFlush()
				pm.session.IsGenerating = false
				pm.session.ErrorText = content
				pm.session.notify()
			})
		},
		OnCancelled: func() {
			pm.loop.Post(func() {
				pm.session.StopTokenFlush()
				pm.session.IsGenerating = false
				pm.session.notify()
			})
		},
		OnReset: func() {
			// Server acknowledged new_conversation; local state was already
			// cleared at panel-open.
		},
	}
}

// resizeToContent grows or shrinks the panel to its ideal content height,
// top edge fixed, clamped to the display. Suppressed while streaming.
func (pm *PanelManager) resizeToContent() {
	if pm.state != panelVisible || pm.session.IsGenerating {
		return
	}
	frame := pm.window.Frame()
	visible := pm.ax.VisibleFrameFor(frame)
	height := clampPanelHeight(pm.window.ContentHeight(), visible)
	pm.window.Resize(pm.session.PanelWidth, height)

	// The grown frame may poke past the display edge; clamp it back.
	after := pm.window.Frame()
	clamped := clampOrigin(Point{X: after.X, Y: after.Y}, Point{X: after.W, Y: after.H}, visible)
	if clamped.X != after.X || clamped.Y != after.Y {
		pm.window.MoveTo(clamped)
	}
}
