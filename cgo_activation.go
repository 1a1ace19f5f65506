package main

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AppKit
#import <AppKit/AppKit.h>

// hideFromDock sets the process activation policy to Accessory,
// which removes the Dock icon and Task Switcher entry.
// Safe to call only after the Cocoa run loop is running (i.e., from startup()).
static void hideFromDock(void) {
    if ([NSApp isRunning]) {
        [NSApp setActivationPolicy:NSApplicationActivationPolicyAccessory];
    }
}

// configureFloatingPanel turns the app's window into a non-activating
// floating panel: floating level, joins all Spaces, no activation on click.
static void configureFloatingPanel(void) {
    @autoreleasepool {
        NSWindow *win = [[NSApp windows] firstObject];
        if (win == nil) return;
        [win setLevel:NSFloatingWindowLevel];
        [win setCollectionBehavior:NSWindowCollectionBehaviorCanJoinAllSpaces |
                                   NSWindowCollectionBehaviorFullScreenAuxiliary];
        [win setHidesOnDeactivate:NO];
    }
}

// orderFrontMakeKey brings the panel window to front as key without running
// the conventional app activation path, so normal app switching order is
// left alone while the panel still receives keyboard input.
static void orderFrontMakeKey(void) {
    @autoreleasepool {
        NSWindow *win = [[NSApp windows] firstObject];
        if (win == nil) return;
        [win orderFrontRegardless];
        [win makeKeyWindow];
    }
}
*/
import "C"

import "log"

// HideFromDock removes the app's Dock icon at runtime.
// No-op if called before the Cocoa run loop (e.g. in tests).
func HideFromDock() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("cgo_activation: HideFromDock skipped (no run loop): %v", r)
		}
	}()
	C.hideFromDock()
}

// ConfigureFloatingPanel applies the floating, non-activating window
// attributes to the panel. Call once after startup.
func ConfigureFloatingPanel() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("cgo_activation: ConfigureFloatingPanel skipped: %v", r)
		}
	}()
	C.configureFloatingPanel()
}

// orderPanelFrontWithoutActivating makes the panel key without activating
// the process in the conventional sense.
func orderPanelFrontWithoutActivating() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("cgo_activation: order front skipped: %v", r)
		}
	}()
	C.orderFrontMakeKey()
}
