package main

/*
#cgo darwin CFLAGS: -x objective-c
#cgo darwin LDFLAGS: -framework AppKit -framework Carbon
#import <AppKit/AppKit.h>
#import <Carbon/Carbon.h>

extern void ghosttypePassiveChordFired(void);

static id passiveGlobalMonitor = nil;
static id passiveLocalMonitor = nil;

// Exact-match predicate: Ctrl held, and none of Cmd/Shift/Option. Any
// additional modifier is a non-match.
static BOOL isPanelChord(NSEvent *event) {
    if (event.keyCode != kVK_ANSI_K) return NO;
    NSEventModifierFlags flags = event.modifierFlags & NSEventModifierFlagDeviceIndependentFlagsMask;
    if (!(flags & NSEventModifierFlagControl)) return NO;
    if (flags & (NSEventModifierFlagCommand | NSEventModifierFlagShift | NSEventModifierFlagOption)) return NO;
    return YES;
}

// install_passive_monitors watches key-down events without intercepting
// them: the global monitor covers other applications, the local monitor
// covers our own windows. Observer monitors cannot suppress the event.
static int install_passive_monitors(void) {
    @autoreleasepool {
        passiveGlobalMonitor = [NSEvent addGlobalMonitorForEventsMatchingMask:NSEventMaskKeyDown
                                                                      handler:^(NSEvent *event) {
            if (isPanelChord(event)) ghosttypePassiveChordFired();
        }];
        passiveLocalMonitor = [NSEvent addLocalMonitorForEventsMatchingMask:NSEventMaskKeyDown
                                                                    handler:^NSEvent *(NSEvent *event) {
            if (isPanelChord(event)) ghosttypePassiveChordFired();
            return event;
        }];
        return passiveGlobalMonitor != nil ? 1 : 0;
    }
}

static void remove_passive_monitors(void) {
    @autoreleasepool {
        if (passiveGlobalMonitor != nil) {
            [NSEvent removeMonitor:passiveGlobalMonitor];
            passiveGlobalMonitor = nil;
        }
        if (passiveLocalMonitor != nil) {
            [NSEvent removeMonitor:passiveLocalMonitor];
            passiveLocalMonitor = nil;
        }
    }
}
*/
import "C"

import (
	"errors"
	"sync"
)

// passiveChordCh relays observer callbacks to the active passive backend.
// At most one passive backend is installed per process.
var (
	passiveMu      sync.Mutex
	passiveChordCh chan struct{}
)

//export ghosttypePassiveChordFired
func ghosttypePassiveChordFired() {
	passiveMu.Lock()
	ch := passiveChordCh
	passiveMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// passiveBackend is the observer-only fallback for the fixed Ctrl+K chord.
// It cannot suppress the keystroke from reaching the focused application.
type passiveBackend struct {
	keyCh chan struct{}
}

func newPassiveBackend() hotkeyBackend {
	return &passiveBackend{}
}

func (b *passiveBackend) Register() error {
	passiveMu.Lock()
	defer passiveMu.Unlock()
	if passiveChordCh != nil {
		return errors.New("hotkey: passive monitors already installed")
	}
	b.keyCh = make(chan struct{}, 4)
	if C.install_passive_monitors() == 0 {
		b.keyCh = nil
		return errors.New("hotkey: failed to install passive event monitors")
	}
	passiveChordCh = b.keyCh
	return nil
}

func (b *passiveBackend) Unregister() error {
	passiveMu.Lock()
	defer passiveMu.Unlock()
	if passiveChordCh == nil {
		return nil
	}
	C.remove_passive_monitors()
	passiveChordCh = nil
	return nil
}

func (b *passiveBackend) Keydown() <-chan struct{} { return b.keyCh }
func (b *passiveBackend) Suppressing() bool        { return false }
