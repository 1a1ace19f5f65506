package main

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// panelWindow abstracts the floating prompt window so the panel manager can
// be driven against a fake in tests. Origins are bottom-left screen
// coordinates; the implementation converts to whatever its toolkit wants.
type panelWindow interface {
	// Ensure makes sure the window exists at the given width, creating it on
	// first use or resizing an existing one.
	Ensure(width float64)
	// MoveTo places the window's bottom-left origin.
	MoveTo(origin Point)
	// Resize sets the window's size, keeping the top edge fixed.
	Resize(width, height float64)
	// ShowWithoutActivating orders the window front and makes it key without
	// activating this process in the conventional sense.
	ShowWithoutActivating()
	Hide()
	// FocusInput steers keyboard focus into the text-input sub-element.
	// Fails while the input surface does not exist yet.
	FocusInput() error
	// ContentHeight reports the ideal height for the current content.
	ContentHeight() float64
	// Frame reports the current frame, bottom-left convention.
	Frame() Rect
}

// wailsPanel drives the single Wails window as the floating panel. Wails
// positions windows in the top-left convention; conversion happens here and
// nowhere above.
type wailsPanel struct {
	ctx context.Context
	ax  *AccessibilityService

	frame   Rect
	created bool

	// Reported by the frontend through runtime events; see App.startup.
	inputReady atomic.Bool
	contentH   atomic.Int64 // points, rounded
}

func newWailsPanel(ax *AccessibilityService) *wailsPanel {
	return &wailsPanel{ax: ax}
}

// setContext installs the Wails runtime context once startup has fired.
func (w *wailsPanel) setContext(ctx context.Context) {
	w.ctx = ctx
}

func (w *wailsPanel) screenHeight() float64 {
	vf := w.ax.VisibleFrameAt(Point{})
	return vf.Y + vf.H
}

func (w *wailsPanel) Ensure(width float64) {
	if w.ctx == nil {
		return
	}
	height := w.frame.H
	if !w.created || height <= 0 {
		height = panelMinHeight
		w.created = true
	}
	runtime.WindowSetSize(w.ctx, int(width), int(height))
	runtime.WindowSetAlwaysOnTop(w.ctx, true)
	w.frame.W = width
	w.frame.H = height
}

func (w *wailsPanel) MoveTo(origin Point) {
	if w.ctx == nil {
		return
	}
	w.frame.X = origin.X
	w.frame.Y = origin.Y
	topY := w.screenHeight() - (origin.Y + w.frame.H)
	runtime.WindowSetPosition(w.ctx, int(origin.X), int(topY))
}

func (w *wailsPanel) Resize(width, height float64) {
	if w.ctx == nil {
		return
	}
	// Keep the top edge fixed: in the bottom-left convention the origin
	// drops by the height delta.
	top := w.frame.Y + w.frame.H
	w.frame.W = width
	w.frame.H = height
	w.frame.Y = top - height
	runtime.WindowSetSize(w.ctx, int(width), int(height))
	topY := w.screenHeight() - top
	runtime.WindowSetPosition(w.ctx, int(w.frame.X), int(topY))
}

func (w *wailsPanel) ShowWithoutActivating() {
	if w.ctx == nil {
		return
	}
	runtime.WindowShow(w.ctx)
	// The Cocoa-side tweak keeps normal app ordering intact while the panel
	// takes key status.
	orderPanelFrontWithoutActivating()
}

func (w *wailsPanel) Hide() {
	if w.ctx == nil {
		return
	}
	runtime.WindowHide(w.ctx)
}

func (w *wailsPanel) FocusInput() error {
	if w.ctx == nil {
		return errors.New("panel: window not ready")
	}
	if !w.inputReady.Load() {
		return errors.New("panel: input surface not ready")
	}
	runtime.EventsEmit(w.ctx, "panel:focus_input")
	return nil
}

func (w *wailsPanel) ContentHeight() float64 {
	h := float64(w.contentH.Load())
	if h <= 0 {
		log.Printf("panel: content height unavailable — keeping %.0f", w.frame.H)
		return w.frame.H
	}
	return h
}

func (w *wailsPanel) Frame() Rect {
	return w.frame
}
