package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockHotkeyBackend struct {
	mu           sync.Mutex
	registerErr  error
	registered   bool
	unregistered bool
	keydown      chan struct{}
	suppressing  bool
}

func newMockHotkeyBackend() *mockHotkeyBackend {
	return &mockHotkeyBackend{keydown: make(chan struct{}, 4), suppressing: true}
}

func (m *mockHotkeyBackend) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return m.registerErr
	}
	m.registered = true
	return nil
}

func (m *mockHotkeyBackend) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = true
	return nil
}

func (m *mockHotkeyBackend) Keydown() <-chan struct{} { return m.keydown }
func (m *mockHotkeyBackend) Suppressing() bool        { return m.suppressing }

func (m *mockHotkeyBackend) press() { m.keydown <- struct{}{} }

func TestHotkeyStartAndTrigger(t *testing.T) {
	backend := newMockHotkeyBackend()
	svc := newHotkeyServiceWithBackend(backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 4)
	if err := svc.Start(ctx, "ctrl+k", func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !svc.IsRegistered() {
		t.Error("IsRegistered() = false after Start")
	}
	if !svc.CanSuppress() {
		t.Error("CanSuppress() = false for intercepting backend")
	}

	backend.press()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("trigger never fired after keydown")
	}
}

func TestHotkeyStartInvalidChord(t *testing.T) {
	svc := newHotkeyServiceWithBackend(newMockHotkeyBackend())
	err := svc.Start(context.Background(), "banana", func() {})
	if !errors.Is(err, ErrHotkeyInvalid) {
		t.Fatalf("Start(banana) error = %v; want ErrHotkeyInvalid", err)
	}
	if svc.IsRegistered() {
		t.Error("IsRegistered() = true after failed Start")
	}
}

func TestHotkeyConflictWithoutFallback(t *testing.T) {
	backend := newMockHotkeyBackend()
	backend.registerErr = ErrHotkeyConflict
	svc := newHotkeyServiceWithBackend(backend)

	err := svc.Start(context.Background(), "ctrl+k", func() {})
	if !errors.Is(err, ErrHotkeyConflict) {
		t.Fatalf("Start() error = %v; want ErrHotkeyConflict", err)
	}
}

func TestHotkeyFallsBackToPassiveObserver(t *testing.T) {
	primary := newMockHotkeyBackend()
	primary.registerErr = ErrHotkeyConflict
	passive := newMockHotkeyBackend()
	passive.suppressing = false

	svc := &HotkeyService{
		combo: defaultChord,
		backendFactory: func(string) (hotkeyBackend, error) {
			return primary, nil
		},
		fallbackMaker: func() hotkeyBackend { return passive },
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	if err := svc.Start(ctx, "ctrl+k", func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Start() error with fallback available: %v", err)
	}
	if !svc.IsRegistered() {
		t.Error("IsRegistered() = false in passive mode")
	}
	if svc.CanSuppress() {
		t.Error("CanSuppress() = true in passive mode; observer cannot consume the chord")
	}

	passive.press()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("passive backend keydown not delivered")
	}
}

func TestHotkeyReregisterConflictKeepsOriginal(t *testing.T) {
	good := newMockHotkeyBackend()
	bad := newMockHotkeyBackend()
	bad.registerErr = ErrHotkeyConflict

	next := good
	svc := &HotkeyService{
		combo: defaultChord,
		backendFactory: func(c string) (hotkeyBackend, error) {
			if _, _, err := parseChord(c); err != nil {
				return nil, err
			}
			b := next
			next = bad
			return b, nil
		},
		fallbackMaker: func() hotkeyBackend { return nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	if err := svc.Start(ctx, "ctrl+k", func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := svc.Reregister("ctrl+j"); !errors.Is(err, ErrHotkeyConflict) {
		t.Fatalf("Reregister() error = %v; want ErrHotkeyConflict", err)
	}
	if svc.Combo() != "ctrl+k" {
		t.Errorf("Combo() = %q; original chord must survive a failed swap", svc.Combo())
	}

	// The original registration is still live.
	good.press()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("original chord dead after failed reregister")
	}
}

func TestHotkeyStopUnregisters(t *testing.T) {
	backend := newMockHotkeyBackend()
	svc := newHotkeyServiceWithBackend(backend)

	if err := svc.Start(context.Background(), "ctrl+k", func() {}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	svc.Stop()

	backend.mu.Lock()
	unregistered := backend.unregistered
	backend.mu.Unlock()
	if !unregistered {
		t.Error("backend not unregistered by Stop")
	}

	deadline := time.After(time.Second)
	for svc.IsRegistered() {
		select {
		case <-deadline:
			t.Fatal("IsRegistered() still true after Stop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestParseChord(t *testing.T) {
	cases := []struct {
		combo   string
		mods    int
		wantErr bool
	}{
		{"ctrl+k", 1, false},
		{"cmd+shift+p", 2, false},
		{"CTRL+K", 1, false},
		{" option+space ", 1, false},
		{"ctrl+ctrl+k", 1, false}, // duplicate modifier collapses
		{"k", 0, true},            // no modifier
		{"ctrl+", 0, true},        // no key
		{"hyper+k", 0, true},      // unknown modifier
		{"ctrl+escape", 0, true},  // unknown key
	}
	for _, tc := range cases {
		mods, _, err := parseChord(tc.combo)
		if tc.wantErr {
			if !errors.Is(err, ErrHotkeyInvalid) {
				t.Errorf("parseChord(%q) error = %v; want ErrHotkeyInvalid", tc.combo, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseChord(%q) error: %v", tc.combo, err)
			continue
		}
		if len(mods) != tc.mods {
			t.Errorf("parseChord(%q) modifiers = %d; want %d", tc.combo, len(mods), tc.mods)
		}
	}
}

func TestFormatChord(t *testing.T) {
	cases := map[string]string{
		"ctrl+k":       "⌃K",
		"cmd+shift+p":  "⌘⇧P",
		"option+space": "⌥Space",
		"plain":        "plain",
	}
	for combo, want := range cases {
		if got := FormatChord(combo); got != want {
			t.Errorf("FormatChord(%q) = %q; want %q", combo, got, want)
		}
	}
}
