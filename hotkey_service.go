package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.design/x/hotkey"
)

// ErrHotkeyConflict is returned when the chord is already registered by another app.
var ErrHotkeyConflict = errors.New("hotkey: key combination already registered by another application")

// ErrHotkeyInvalid is returned when the chord string cannot be parsed.
var ErrHotkeyInvalid = errors.New("hotkey: invalid key combination")

// defaultChord is the panel trigger. Plain Ctrl+K — any additional modifier
// is a non-match.
const defaultChord = "ctrl+k"

// hotkeyBackend abstracts the real hotkey implementation so tests can use a
// mock. Suppressing reports whether the backend consumes the chord before
// the focused application observes it.
type hotkeyBackend interface {
	Register() error
	Unregister() error
	Keydown() <-chan struct{}
	Suppressing() bool
}

// interceptingBackend wraps golang.design/x/hotkey: a Carbon-level
// registration that consumes the chord system-wide. The hotkey.Hotkey is
// created lazily in Register() to avoid spawning CGo goroutines at
// construction time — which would leak into unit tests.
type interceptingBackend struct {
	hk        *hotkey.Hotkey
	mods      []hotkey.Modifier
	key       hotkey.Key
	keyCh     chan struct{}
	closeOnce sync.Once
}

func newInterceptingBackend(combo string) (*interceptingBackend, error) {
	mods, key, err := parseChord(combo)
	if err != nil {
		return nil, err
	}
	return &interceptingBackend{mods: mods, key: key}, nil
}

func (b *interceptingBackend) Register() error {
	b.hk = hotkey.New(b.mods, b.key)
	if err := b.hk.Register(); err != nil {
		// Clean up any CGo/OS-level state so the abandoned object doesn't
		// panic when GC'd.
		_ = b.hk.Unregister()
		b.hk = nil
		return ErrHotkeyConflict
	}
	b.keyCh = make(chan struct{}, 4)
	src := b.hk.Keydown()
	go func() {
		for range src {
			select {
			case b.keyCh <- struct{}{}:
			default: // drop if buffer full (rapid presses)
			}
		}
		b.closeOnce.Do(func() { close(b.keyCh) })
	}()
	return nil
}

func (b *interceptingBackend) Unregister() error {
	if b.hk == nil {
		return nil
	}
	return b.hk.Unregister()
}

func (b *interceptingBackend) Keydown() <-chan struct{} { return b.keyCh }
func (b *interceptingBackend) Suppressing() bool        { return true }

// HotkeyService detects the global panel chord and raises one trigger per
// press. The intercepting backend is primary; if it cannot be installed the
// passive observer backend takes over — that mode cannot stop the keystroke
// from also reaching the focused app, a known limitation of observer-only
// monitoring, not a bug.
type HotkeyService struct {
	mu           sync.Mutex
	backend      hotkeyBackend
	combo        string
	registered   atomic.Bool
	suppressing  atomic.Bool
	shuttingDown atomic.Bool
	doneCh       chan struct{}
	parentCtx    context.Context
	cancel       context.CancelFunc
	onTrigger    func()

	backendFactory func(string) (hotkeyBackend, error)
	fallbackMaker  func() hotkeyBackend
}

// NewHotkeyService creates a HotkeyService backed by the real macOS hotkey APIs.
func NewHotkeyService() *HotkeyService {
	return &HotkeyService{
		combo: defaultChord,
		backendFactory: func(c string) (hotkeyBackend, error) {
			return newInterceptingBackend(c)
		},
		fallbackMaker: newPassiveBackend,
	}
}

// newHotkeyServiceWithBackend wires a custom backend (tests only).
func newHotkeyServiceWithBackend(b hotkeyBackend) *HotkeyService {
	return &HotkeyService{
		combo: defaultChord,
		backendFactory: func(c string) (hotkeyBackend, error) {
			if _, _, err := parseChord(c); err != nil {
				return nil, err
			}
			return b, nil
		},
		fallbackMaker: func() hotkeyBackend { return nil },
	}
}

// Start registers the chord and launches a listener goroutine that calls
// onTrigger on each press. The goroutine exits when ctx is cancelled.
func (s *HotkeyService) Start(ctx context.Context, combo string, onTrigger func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if combo == "" {
		combo = s.combo
	}
	backend, err := s.backendFactory(combo)
	if err != nil {
		return err
	}
	if err := backend.Register(); err != nil {
		fallback := s.fallbackMaker()
		if fallback == nil {
			return err
		}
		if fbErr := fallback.Register(); fbErr != nil {
			return err
		}
		log.Printf("hotkey: intercepting tap unavailable (%v) — passive observer active; %s will also reach the focused app", err, combo)
		backend = fallback
	}
	s.backend = backend
	s.combo = combo
	s.onTrigger = onTrigger
	s.parentCtx = ctx
	s.registered.Store(true)
	s.suppressing.Store(backend.Suppressing())
	log.Printf("hotkey: %s registered (suppressing=%v)", combo, backend.Suppressing())

	s.startListener(ctx, backend, combo, onTrigger)
	return nil
}

// startListener spawns the keydown consumer goroutine. Caller holds mu.
func (s *HotkeyService) startListener(ctx context.Context, backend hotkeyBackend, combo string, onTrigger func()) {
	listenCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	keydown := backend.Keydown()
	doneCh := make(chan struct{})
	s.doneCh = doneCh
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("hotkey: recovered panic during cleanup (CGo/shutdown race): %v", r)
			}
			// Skip the CGo call during app shutdown — the OS cleans up the
			// event monitor itself.
			if !s.shuttingDown.Load() {
				backend.Unregister() //nolint:errcheck
			}
			s.registered.Store(false)
			log.Printf("hotkey: %s unregistered", combo)
			close(doneCh)
		}()
		for {
			select {
			case <-listenCtx.Done():
				return
			case _, ok := <-keydown:
				if !ok {
					return
				}
				onTrigger()
			}
		}
	}()
}

// Reregister swaps to a new chord at runtime. The new chord is registered
// before the old one is released, so a conflict leaves the original live.
func (s *HotkeyService) Reregister(newCombo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newBackend, err := s.backendFactory(newCombo)
	if err != nil {
		return err
	}
	if err := newBackend.Register(); err != nil {
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}
	log.Printf("hotkey: re-registered %s → %s", s.combo, newCombo)
	s.backend = newBackend
	s.combo = newCombo
	s.registered.Store(true)
	s.suppressing.Store(newBackend.Suppressing())

	parent := s.parentCtx
	if parent == nil {
		parent = context.Background()
	}
	s.startListener(parent, newBackend, newCombo, s.onTrigger)
	return nil
}

// Stop unregisters while the Cocoa event loop is still alive, then waits
// briefly for the listener goroutine so no CGo callback is in flight when
// the runtime quits.
func (s *HotkeyService) Stop() {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	backend := s.backend
	doneCh := s.doneCh
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if backend != nil {
		if err := backend.Unregister(); err != nil {
			log.Printf("hotkey: Unregister in Stop() returned: %v", err)
		}
	}
	if doneCh != nil {
		select {
		case <-doneCh:
		case <-time.After(200 * time.Millisecond):
			log.Printf("hotkey: Stop() timed out waiting for goroutine to exit")
		}
	}
}

// IsRegistered reports whether the chord is currently registered.
func (s *HotkeyService) IsRegistered() bool {
	return s.registered.Load()
}

// CanSuppress reports whether the active backend consumes the chord before
// the target app sees it.
func (s *HotkeyService) CanSuppress() bool {
	return s.suppressing.Load()
}

// Combo returns the active chord string.
func (s *HotkeyService) Combo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combo
}

// ── chord parsing ────────────────────────────────────────────────────────────

var modMap = map[string]hotkey.Modifier{
	"ctrl":    hotkey.ModCtrl,
	"control": hotkey.ModCtrl,
	"option":  hotkey.ModOption,
	"alt":     hotkey.ModOption,
	"shift":   hotkey.ModShift,
	"cmd":     hotkey.ModCmd,
	"command": hotkey.ModCmd,
}

var keyMap = map[string]hotkey.Key{
	"space":  hotkey.KeySpace,
	"tab":    hotkey.KeyTab,
	"return": hotkey.KeyReturn,
	"enter":  hotkey.KeyReturn,
	"a":      hotkey.KeyA, "b": hotkey.KeyB, "c": hotkey.KeyC, "d": hotkey.KeyD,
	"e": hotkey.KeyE, "f": hotkey.KeyF, "g": hotkey.KeyG, "h": hotkey.KeyH,
	"i": hotkey.KeyI, "j": hotkey.KeyJ, "k": hotkey.KeyK, "l": hotkey.KeyL,
	"m": hotkey.KeyM, "n": hotkey.KeyN, "o": hotkey.KeyO, "p": hotkey.KeyP,
	"q": hotkey.KeyQ, "r": hotkey.KeyR, "s": hotkey.KeyS, "t": hotkey.KeyT,
	"u": hotkey.KeyU, "v": hotkey.KeyV, "w": hotkey.KeyW, "x": hotkey.KeyX,
	"y": hotkey.KeyY, "z": hotkey.KeyZ,
	"0": hotkey.Key0, "1": hotkey.Key1, "2": hotkey.Key2, "3": hotkey.Key3,
	"4": hotkey.Key4, "5": hotkey.Key5, "6": hotkey.Key6, "7": hotkey.Key7,
	"8": hotkey.Key8, "9": hotkey.Key9,
}

// parseChord parses a combo string like "ctrl+k" into hotkey modifiers and key.
func parseChord(combo string) ([]hotkey.Modifier, hotkey.Key, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(combo)), "+")
	if len(parts) < 2 {
		return nil, 0, fmt.Errorf("%w: %q (need at least one modifier)", ErrHotkeyInvalid, combo)
	}
	keyPart := parts[len(parts)-1]
	key, ok := keyMap[keyPart]
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown key %q", ErrHotkeyInvalid, keyPart)
	}
	var mods []hotkey.Modifier
	seen := map[string]bool{}
	for _, m := range parts[:len(parts)-1] {
		if seen[m] {
			continue
		}
		seen[m] = true
		mod, ok := modMap[m]
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown modifier %q", ErrHotkeyInvalid, m)
		}
		mods = append(mods, mod)
	}
	return mods, key, nil
}

// FormatChord converts a combo string to a display string, e.g.
// "ctrl+k" → "⌃K".
func FormatChord(combo string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(combo)), "+")
	if len(parts) < 2 {
		return combo
	}
	modSymbols := map[string]string{
		"ctrl": "⌃", "control": "⌃",
		"option": "⌥", "alt": "⌥",
		"shift": "⇧",
		"cmd":   "⌘", "command": "⌘",
	}
	keyDisplay := map[string]string{
		"space": "Space", "tab": "Tab", "return": "Return", "enter": "Return",
	}
	var out strings.Builder
	for _, p := range parts[:len(parts)-1] {
		if sym, ok := modSymbols[p]; ok {
			out.WriteString(sym)
		}
	}
	key := parts[len(parts)-1]
	if d, ok := keyDisplay[key]; ok {
		out.WriteString(d)
	} else {
		out.WriteString(strings.ToUpper(key))
	}
	return out.String()
}
