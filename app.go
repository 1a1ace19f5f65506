package main

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// hotkeyStarter is the minimal interface the App needs from HotkeyService.
// Using an interface keeps real CGo goroutines out of unit tests.
type hotkeyStarter interface {
	Start(ctx context.Context, combo string, onTrigger func()) error
	Stop()
	IsRegistered() bool
}

// App is the main application struct: it owns the UI loop and wires the
// services together once Wails is up. ctx is guarded by mu; startupCh is
// closed once startup() fires so callers that arrive early can wait.
type App struct {
	mu        sync.RWMutex
	ctx       context.Context
	startupCh chan struct{}
	once      sync.Once

	loop    *uiLoop
	session *Session
	ax      *AccessibilityService
	panel   *wailsPanel
	pm      *PanelManager
	ws      *WebSocketClient
	config  *ConfigService
	hotkeys hotkeyStarter // nil in unit tests; injected by main.go

	hotkeyCancel context.CancelFunc
	healthStop   chan struct{}
}

// NewApp builds the service graph. The hotkey service is intentionally nil —
// main.go injects the real one before wails.Run so CGo stays out of tests.
func NewApp() *App {
	loop := newUILoop(nil)
	session := NewSession(loop, nil)
	ax := NewAccessibilityService()
	panel := newWailsPanel(ax)
	config := NewConfigService()
	cfg := config.Load()

	ws := NewWebSocketClient(cfg.BackendHost, cfg.BackendPort)
	pm := NewPanelManager(loop, nil, session, ax, panel, ws, nil)
	pm.SetRequestConfig(cfg.Model)

	handlers := pm.StreamHandlers()
	ws.SetHandlers(handlers)
	pm.stub = newStubGenerator(handlers, nil)

	return &App{
		startupCh: make(chan struct{}),
		loop:      loop,
		session:   session,
		ax:        ax,
		panel:     panel,
		pm:        pm,
		ws:        ws,
		config:    config,
	}
}

// SetHotkeyService injects the hotkey service (called by main.go before wails.Run).
func (a *App) SetHotkeyService(hs hotkeyStarter) {
	a.hotkeys = hs
}

// startup is called by Wails when the runtime is ready.
func (a *App) startup(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	a.once.Do(func() { close(a.startupCh) })

	a.panel.setContext(ctx)
	ConfigureFloatingPanel()
	go a.loop.Run()

	if !a.ax.Trusted() {
		// User-facing, manual remediation; everything else degrades until
		// the permission is granted.
		log.Printf("app: accessibility permission not granted — open System Settings › Privacy & Security › Accessibility")
		runtime.EventsEmit(ctx, "permission:missing")
	}

	a.healthStop = make(chan struct{})
	a.ws.StartHealthLoop(a.healthStop)
	a.pm.StartResizeWatcher()

	a.session.SetChangeListener(func() {
		runtime.EventsEmit(ctx, "session:changed", a.snapshot())
	})

	if a.hotkeys != nil {
		hkCtx, cancel := context.WithCancel(ctx)
		a.hotkeyCancel = cancel
		combo := a.config.Load().Hotkey
		err := a.hotkeys.Start(hkCtx, combo, func() {
			// Trigger lands on an arbitrary goroutine; the panel runs on
			// the UI loop only.
			a.loop.Post(a.pm.Toggle)
		})
		if err != nil {
			if errors.Is(err, ErrHotkeyConflict) {
				log.Printf("app: %s is registered by another app — use the menu-bar icon instead", combo)
				runtime.EventsEmit(ctx, "hotkey:conflict")
			} else {
				log.Printf("app: hotkey registration failed: %v", err)
			}
		}
	}
}

// waitForStartup blocks until Wails has initialised.
func (a *App) waitForStartup() context.Context {
	<-a.startupCh
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ctx
}

// TogglePanel shows or hides the prompt panel (systray and menu entry point).
func (a *App) TogglePanel() {
	go func() {
		a.waitForStartup()
		a.loop.Post(a.pm.Toggle)
	}()
}

// Quit exits the application.
func (a *App) Quit() {
	go func() {
		ctx := a.waitForStartup()
		if a.hotkeys != nil {
			a.hotkeys.Stop()
		}
		if a.healthStop != nil {
			close(a.healthStop)
		}
		a.pm.StopResizeWatcher()
		a.ws.Close()
		a.loop.Stop()
		runtime.Quit(ctx)
	}()
}

// ── methods bound to the panel frontend ─────────────────────────────────────

// SessionSnapshot is the render model pushed to the panel on every session
// change.
type SessionSnapshot struct {
	Prompt     string `json:"prompt"`
	Response   string `json:"response"`
	Error      string `json:"error"`
	Generating bool   `json:"generating"`
	Mode       string `json:"mode"`
	HasContext bool   `json:"hasContext"`
	Turns      int    `json:"turns"`
}

func (a *App) snapshot() SessionSnapshot {
	s := a.session
	return SessionSnapshot{
		Prompt:     s.PromptText,
		Response:   s.ResponseText,
		Error:      s.ErrorText,
		Generating: s.IsGenerating,
		Mode:       string(s.Mode),
		HasContext: s.SelectedContext != "",
		Turns:      len(s.Messages),
	}
}

// GetSession returns the current render model.
func (a *App) GetSession() SessionSnapshot {
	reply := make(chan SessionSnapshot, 1)
	a.loop.Post(func() { reply <- a.snapshot() })
	return <-reply
}

// Submit starts a generation turn for the given prompt text.
func (a *App) Submit(prompt string) {
	a.loop.Post(func() { a.pm.Submit(prompt) })
}

// PromptChanged keeps the session's live prompt in sync with the input, so
// a follow-up typed during a visible response survives turn completion.
func (a *App) PromptChanged(text string) {
	a.loop.Post(func() { a.session.PromptText = text })
}

// EnterPressed reports whether the Enter key was consumed by turn
// completion. When false the input's own submit handling proceeds.
func (a *App) EnterPressed() bool {
	reply := make(chan bool, 1)
	a.loop.Post(func() { reply <- a.pm.HandleEnter() })
	return <-reply
}

// EscapePressed hides the panel.
func (a *App) EscapePressed() {
	a.loop.Post(a.pm.HandleEscape)
}

// CancelGeneration stops the in-flight turn.
func (a *App) CancelGeneration() {
	a.loop.Post(a.pm.CancelGeneration)
}

// InputReady marks the panel's text input as mounted and focusable.
func (a *App) InputReady() {
	a.panel.inputReady.Store(true)
}

// ContentHeightChanged records the panel content's ideal height.
func (a *App) ContentHeightChanged(h float64) {
	a.panel.contentH.Store(int64(h))
}

// BackendAvailable reports the last health-probe result for the status row.
func (a *App) BackendAvailable() bool {
	return a.ws.Available()
}
