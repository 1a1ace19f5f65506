package main

import (
	"errors"
	"log"
	"strings"
	"time"
)

// Failure taxonomy for platform access. All of these are local and
// recoverable: callers fall back to a secondary strategy or surface the
// error for one turn; none terminate the process.
var (
	ErrNotTrusted        = errors.New("accessibility: process is not trusted for accessibility access")
	ErrNoFocusedElement  = errors.New("accessibility: no focused UI element")
	ErrNotATextElement   = errors.New("accessibility: focused element is not a text element")
	ErrCannotGetPosition = errors.New("accessibility: cannot determine caret position")
	ErrCannotInsertText  = errors.New("accessibility: cannot insert text into target element")
	ErrCaptureFailed     = errors.New("accessibility: window capture unavailable")
)

// ElementRef is an opaque handle to an OS-level UI element. It is a weak
// back-reference: the target application owns the element and may invalidate
// it at any time, so every operation taking one is fallible rather than
// fatal.
type ElementRef any

// FocusContext identifies the target element and its owning process,
// captured at panel-open time.
type FocusContext struct {
	Element  ElementRef
	PID      int
	BundleID string
}

// CaretAnchor reports which strategy produced a caret read.
type CaretAnchor int

const (
	AnchorCaret CaretAnchor = iota // exact caret bounds from text-range geometry
	AnchorFrame                    // focused window frame corner (no per-character geometry)
	AnchorMouse                    // mouse pointer, last resort
)

// CaretInfo is the result of a caret/selection read. Position is in
// bottom-left screen coordinates. WindowFrame is set only for frame-anchored
// reads.
type CaretInfo struct {
	Position      Point
	Anchor        CaretAnchor
	WindowFrame   Rect
	SelectedText  string
	SelectedRange *Range
}

// axBackend is the raw OS surface behind the adapter. The real darwin
// implementation lives in accessibility_darwin.go; tests use a mock.
// All geometry it returns is already converted to the bottom-left
// convention.
type axBackend interface {
	Trusted() bool
	FocusedElement() (ElementRef, int, string, error)
	CaretBounds(el ElementRef) (Point, error)
	SelectedText(el ElementRef) (string, *Range, error)
	FrontmostApp() (pid int, bundleID string)
	WindowFrame(pid int) (Rect, bool)
	VisibleFrameFor(r Rect) Rect
	VisibleFrameAt(p Point) Rect
	MousePosition() Point
	SetElementText(el ElementRef, text string) error
	SetSelectedRange(el ElementRef, r Range) error
	ReplaceSelection(el ElementRef, text string) error
	ReadClipboard() (string, bool)
	WriteClipboard(text string) error
	SendPasteKeystroke() error
	CaptureWindowImage(pid int) ([]byte, error)
	ActivateApp(pid int)
	DeactivateSelf()
	SelfPID() int
}

// Applications that accept direct AX value writes unreliably — embedded web
// renderers mostly. For these the insertion flow skips the direct-set retry
// ladder and goes straight to the paste fallback after a settle delay.
var pasteOnlyBundleIDs = map[string]bool{
	"com.tinyspeck.slackmacgap": true,
	"com.hnc.Discord":           true,
	"com.microsoft.teams2":      true,
	"notion.id":                 true,
	"com.linear":                true,
	"com.figma.Desktop":         true,
}

// isPasteOnly also matches the Electron helper-bundle naming convention, so
// unlisted Electron apps still get the reliable path.
func isPasteOnly(bundleID string) bool {
	if pasteOnlyBundleIDs[bundleID] {
		return true
	}
	return strings.Contains(strings.ToLower(bundleID), "electron")
}

// Direct-insertion retry ladder. Each delay lets a freshly refocused app's
// UI settle before the next attempt.
var insertRetryDelays = []time.Duration{
	150 * time.Millisecond,
	300 * time.Millisecond,
	500 * time.Millisecond,
}

const (
	pasteSettleDelay     = 200 * time.Millisecond
	clipboardRestoreWait = 500 * time.Millisecond
)

// AccessibilityService is the platform access adapter: a capability set over
// the live OS UI tree. It owns none of the referenced OS objects.
type AccessibilityService struct {
	backend axBackend
	clock   clock
}

func NewAccessibilityService() *AccessibilityService {
	return &AccessibilityService{backend: newDarwinAXBackend(), clock: realClock{}}
}

func newAccessibilityServiceWithBackend(b axBackend, c clock) *AccessibilityService {
	if c == nil {
		c = realClock{}
	}
	return &AccessibilityService{backend: b, clock: c}
}

// Trusted reports whether the OS accessibility permission has been granted.
func (a *AccessibilityService) Trusted() bool {
	return a.backend.Trusted()
}

// LocateFocus resolves the focused UI element of the frontmost process.
func (a *AccessibilityService) LocateFocus() (FocusContext, error) {
	if !a.backend.Trusted() {
		return FocusContext{}, ErrNotTrusted
	}
	el, pid, bundleID, err := a.backend.FocusedElement()
	if err != nil {
		return FocusContext{}, err
	}
	return FocusContext{Element: el, PID: pid, BundleID: bundleID}, nil
}

// ReadCaret reads the caret position and current selection for the focused
// element. Strategies are attempted whole, in order, never mixed:
// exact caret bounds, then the focused window's frame corner, then the
// mouse pointer as last resort.
func (a *AccessibilityService) ReadCaret(fc FocusContext) (CaretInfo, error) {
	info := CaretInfo{}
	if fc.Element != nil {
		if text, rng, err := a.backend.SelectedText(fc.Element); err == nil {
			info.SelectedText = text
			info.SelectedRange = rng
		}
		if p, err := a.backend.CaretBounds(fc.Element); err == nil {
			info.Position = p
			info.Anchor = AnchorCaret
			return info, nil
		}
	}
	// Some apps (browser/Electron style) expose no per-character caret
	// geometry at all; anchor at the window frame instead.
	if frame, ok := a.backend.WindowFrame(fc.PID); ok {
		info.Position = Point{X: frame.X, Y: frame.Y + frame.H}
		info.Anchor = AnchorFrame
		info.WindowFrame = frame
		return info, nil
	}
	info.Position = a.backend.MousePosition()
	info.Anchor = AnchorMouse
	return info, nil
}

// ReadWindowFrame resolves the frame of the process's focused window,
// bottom-left convention.
func (a *AccessibilityService) ReadWindowFrame(pid int) (Rect, bool) {
	return a.backend.WindowFrame(pid)
}

// VisibleFrameFor returns the visible bounds of the display intersecting r.
func (a *AccessibilityService) VisibleFrameFor(r Rect) Rect {
	return a.backend.VisibleFrameFor(r)
}

// VisibleFrameAt returns the visible bounds of the display containing p.
func (a *AccessibilityService) VisibleFrameAt(p Point) Rect {
	return a.backend.VisibleFrameAt(p)
}

// CaptureWindowImage captures the target process's focused window, resized
// so the longer edge is at most 1024 and compressed lossy. Best-effort:
// any failure, including self-capture, returns ErrCaptureFailed and nothing
// is surfaced to the user.
func (a *AccessibilityService) CaptureWindowImage(pid int) ([]byte, error) {
	if pid <= 0 || pid == a.backend.SelfPID() {
		return nil, ErrCaptureFailed
	}
	data, err := a.backend.CaptureWindowImage(pid)
	if err != nil || len(data) == 0 {
		return nil, ErrCaptureFailed
	}
	return data, nil
}

// InsertText writes text into the target application's focused element.
// Paste-only targets get the paste fallback directly after a settle delay;
// everything else runs the direct-set retry ladder first and falls back to
// paste only when every attempt fails.
func (a *AccessibilityService) InsertText(text string, fc FocusContext) error {
	if text == "" {
		return nil
	}
	if isPasteOnly(fc.BundleID) {
		log.Printf("accessibility: %s is paste-only — skipping direct insertion", fc.BundleID)
		a.clock.Sleep(pasteSettleDelay)
		return a.pasteText(text)
	}
	for i, delay := range insertRetryDelays {
		a.clock.Sleep(delay)
		if err := a.directInsert(text, fc); err == nil {
			log.Printf("accessibility: direct insertion succeeded on attempt %d", i+1)
			return nil
		}
	}
	log.Printf("accessibility: direct insertion exhausted — falling back to paste")
	return a.pasteText(text)
}

// directInsert sets the element value through the AX attribute API, using
// the remembered element or a freshly located focus.
func (a *AccessibilityService) directInsert(text string, fc FocusContext) error {
	el := fc.Element
	if el == nil {
		located, err := a.LocateFocus()
		if err != nil {
			return err
		}
		el = located.Element
	}
	if err := a.backend.ReplaceSelection(el, text); err != nil {
		return ErrCannotInsertText
	}
	return nil
}

// pasteText simulates a paste: save the clipboard, write the text, synthesize
// the paste keystroke, and restore the saved clipboard after a fixed delay so
// an in-flight paste is not clobbered. Save and restore happen regardless of
// outcome. A concurrent external clipboard write during the restore window is
// a known, accepted race.
func (a *AccessibilityService) pasteText(text string) error {
	saved, hadContents := a.backend.ReadClipboard()
	if err := a.backend.WriteClipboard(text); err != nil {
		return ErrCannotInsertText
	}
	pasteErr := a.backend.SendPasteKeystroke()
	a.clock.AfterFunc(clipboardRestoreWait, func() {
		if hadContents {
			if err := a.backend.WriteClipboard(saved); err != nil {
				log.Printf("accessibility: clipboard restore failed: %v", err)
			}
		}
	})
	if pasteErr != nil {
		return ErrCannotInsertText
	}
	return nil
}

// RestoreSelection re-applies a previously captured selection range to the
// element and overwrites it with text — replace semantics, distinct from
// insertion at the caret. Reports whether the replacement took.
func (a *AccessibilityService) RestoreSelection(el ElementRef, rng Range, text string) bool {
	if el == nil {
		return false
	}
	if err := a.backend.SetSelectedRange(el, rng); err != nil {
		return false
	}
	if err := a.backend.ReplaceSelection(el, text); err != nil {
		return false
	}
	return true
}

// FrontmostApp reports the frontmost process.
func (a *AccessibilityService) FrontmostApp() (int, string) {
	return a.backend.FrontmostApp()
}

// ActivateApp brings the given process to front.
func (a *AccessibilityService) ActivateApp(pid int) {
	a.backend.ActivateApp(pid)
}

// DeactivateSelf yields activation without naming a successor.
func (a *AccessibilityService) DeactivateSelf() {
	a.backend.DeactivateSelf()
}

// SelfPID returns this process's pid.
func (a *AccessibilityService) SelfPID() int {
	return a.backend.SelfPID()
}
