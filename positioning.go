package main

// Geometry in this codebase uses the bottom-left screen convention
// throughout: the darwin backend converts from the top-left convention
// exactly once at the CGo boundary (bottomLeftY = screenHeight - topLeftY)
// and nothing above it converts again.

type Point struct {
	X, Y float64
}

type Rect struct {
	X, Y, W, H float64
}

func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.X+r.W && p.Y >= r.Y && p.Y < r.Y+r.H
}

func (r Rect) MidPoint() Point {
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const (
	panelMinWidth  = 380.0
	panelMaxWidth  = 900.0
	panelMinHeight = 120.0
	panelMaxHeight = 900.0

	screenEdgeMargin = 8.0
	belowAnchorGap   = 4.0
)

// panelWidthFor derives the panel width from the target window: 70% of its
// width, clamped to the [380, 900] band. A zero-width target (no resolvable
// window) yields the minimum.
func panelWidthFor(targetWindow Rect) float64 {
	if targetWindow.W <= 0 {
		return panelMinWidth
	}
	return clamp(0.7*targetWindow.W, panelMinWidth, panelMaxWidth)
}

// centerInFrame centers a panel of the given size within frame, clamped to
// the visible bounds of the display with an 8pt margin.
func centerInFrame(size Point, frame, visible Rect) Point {
	x := frame.X + (frame.W-size.X)/2
	y := frame.Y + (frame.H-size.Y)/2
	return clampOrigin(Point{X: x, Y: y}, size, visible)
}

// placeBelowAnchor positions the panel just below the anchor point. If there
// is no room below it flips above the anchor with a small gap; if there is
// no room above either, the panel pins to the top of the visible bounds.
// Horizontal position is always clamped inside the visible bounds.
func placeBelowAnchor(size Point, anchor Point, visible Rect) Point {
	x := clamp(anchor.X, visible.X+screenEdgeMargin, visible.X+visible.W-size.X-screenEdgeMargin)

	// Bottom-left convention: "below" the anchor means smaller Y.
	y := anchor.Y - size.Y - belowAnchorGap
	if y < visible.Y+screenEdgeMargin {
		y = anchor.Y + belowAnchorGap
		if y+size.Y > visible.Y+visible.H-screenEdgeMargin {
			y = visible.Y + visible.H - size.Y - screenEdgeMargin
		}
	}
	return Point{X: x, Y: y}
}

// clampOrigin keeps the whole panel inside the visible bounds with the
// standard margin.
func clampOrigin(origin Point, size Point, visible Rect) Point {
	return Point{
		X: clamp(origin.X, visible.X+screenEdgeMargin, visible.X+visible.W-size.X-screenEdgeMargin),
		Y: clamp(origin.Y, visible.Y+screenEdgeMargin, visible.Y+visible.H-size.Y-screenEdgeMargin),
	}
}

// clampPanelHeight bounds a content-derived height: at least 120pt, at most
// the smaller of the display's visible height minus 40pt and 900pt.
func clampPanelHeight(ideal float64, visible Rect) float64 {
	max := visible.H - 40
	if max > panelMaxHeight {
		max = panelMaxHeight
	}
	if max < panelMinHeight {
		max = panelMinHeight
	}
	return clamp(ideal, panelMinHeight, max)
}
