package main

/*
#cgo darwin CFLAGS: -x objective-c
#cgo darwin LDFLAGS: -framework AppKit -framework ApplicationServices -framework CoreGraphics -framework Carbon -framework Foundation
#import <AppKit/AppKit.h>
#import <ApplicationServices/ApplicationServices.h>
#import <CoreGraphics/CoreGraphics.h>
#import <Carbon/Carbon.h>
#import <Foundation/Foundation.h>
#import <stdlib.h>

// The Accessibility API reports geometry in the top-left screen convention;
// AppKit (NSScreen, NSEvent) uses bottom-left. Every AX value is converted
// here, once, and never re-converted above this boundary.
static double primaryScreenHeight(void) {
    NSArray *screens = [NSScreen screens];
    if ([screens count] == 0) return 0;
    return [[screens objectAtIndex:0] frame].size.height;
}

static int ax_trusted(void) {
    return AXIsProcessTrusted() ? 1 : 0;
}

// ax_focused_element returns a retained AXUIElementRef for the focused UI
// element of the frontmost application, or NULL. pid_out receives the owning
// process id.
static AXUIElementRef ax_focused_element(int *pid_out) {
    @autoreleasepool {
        NSRunningApplication *front = [[NSWorkspace sharedWorkspace] frontmostApplication];
        if (front == nil) return NULL;
        pid_t pid = [front processIdentifier];
        if (pid_out) *pid_out = (int)pid;

        AXUIElementRef appEl = AXUIElementCreateApplication(pid);
        if (appEl == NULL) return NULL;
        CFTypeRef focused = NULL;
        AXError err = AXUIElementCopyAttributeValue(appEl, kAXFocusedUIElementAttribute, &focused);
        CFRelease(appEl);
        if (err != kAXErrorSuccess || focused == NULL) return NULL;
        return (AXUIElementRef)focused; // retained, caller releases
    }
}

static void ax_release(AXUIElementRef el) {
    if (el != NULL) CFRelease(el);
}

static char *frontmost_bundle_id(void) {
    @autoreleasepool {
        NSRunningApplication *front = [[NSWorkspace sharedWorkspace] frontmostApplication];
        if (front == nil || front.bundleIdentifier == nil) return NULL;
        return strdup([front.bundleIdentifier UTF8String]);
    }
}

static int frontmost_pid(void) {
    @autoreleasepool {
        NSRunningApplication *front = [[NSWorkspace sharedWorkspace] frontmostApplication];
        if (front == nil) return 0;
        return (int)[front processIdentifier];
    }
}

static char *bundle_id_for_pid(int pid) {
    @autoreleasepool {
        NSRunningApplication *app = [NSRunningApplication runningApplicationWithProcessIdentifier:(pid_t)pid];
        if (app == nil || app.bundleIdentifier == nil) return NULL;
        return strdup([app.bundleIdentifier UTF8String]);
    }
}

// ax_caret_bounds resolves the exact caret rectangle through the element's
// text-range geometry. Returns 0 on failure (element exposes no
// per-character geometry — typical for embedded web renderers).
static int ax_caret_bounds(AXUIElementRef el, double *x, double *y) {
    if (el == NULL) return 0;
    CFTypeRef rangeValue = NULL;
    if (AXUIElementCopyAttributeValue(el, kAXSelectedTextRangeAttribute, &rangeValue) != kAXErrorSuccess || rangeValue == NULL) {
        return 0;
    }
    CFTypeRef boundsValue = NULL;
    AXError err = AXUIElementCopyParameterizedAttributeValue(
        el, kAXBoundsForRangeParameterizedAttribute, rangeValue, &boundsValue);
    CFRelease(rangeValue);
    if (err != kAXErrorSuccess || boundsValue == NULL) return 0;

    CGRect rect = CGRectZero;
    Boolean ok = AXValueGetValue((AXValueRef)boundsValue, kAXValueTypeCGRect, &rect);
    CFRelease(boundsValue);
    if (!ok || (rect.size.width == 0 && rect.origin.x == 0 && rect.origin.y == 0)) return 0;

    *x = rect.origin.x;
    *y = primaryScreenHeight() - (rect.origin.y + rect.size.height); // bottom of caret, bottom-left convention
    return 1;
}

static char *ax_selected_text(AXUIElementRef el, long *loc, long *len) {
    if (el == NULL) return NULL;
    *loc = -1;
    *len = 0;
    CFTypeRef rangeValue = NULL;
    if (AXUIElementCopyAttributeValue(el, kAXSelectedTextRangeAttribute, &rangeValue) == kAXErrorSuccess && rangeValue != NULL) {
        CFRange range;
        if (AXValueGetValue((AXValueRef)rangeValue, kAXValueTypeCFRange, &range)) {
            *loc = (long)range.location;
            *len = (long)range.length;
        }
        CFRelease(rangeValue);
    }
    CFTypeRef textValue = NULL;
    if (AXUIElementCopyAttributeValue(el, kAXSelectedTextAttribute, &textValue) != kAXErrorSuccess || textValue == NULL) {
        return NULL;
    }
    char *out = NULL;
    if (CFGetTypeID(textValue) == CFStringGetTypeID()) {
        @autoreleasepool {
            out = strdup([(__bridge NSString *)textValue UTF8String]);
        }
    }
    CFRelease(textValue);
    return out;
}

// window_frame resolves the focused (or main) window frame of pid,
// converted to the bottom-left convention.
static int window_frame(int pid, double *x, double *y, double *w, double *h) {
    AXUIElementRef appEl = AXUIElementCreateApplication((pid_t)pid);
    if (appEl == NULL) return 0;
    CFTypeRef window = NULL;
    if (AXUIElementCopyAttributeValue(appEl, kAXFocusedWindowAttribute, &window) != kAXErrorSuccess || window == NULL) {
        AXUIElementCopyAttributeValue(appEl, kAXMainWindowAttribute, &window);
    }
    CFRelease(appEl);
    if (window == NULL) return 0;

    CGPoint pos = CGPointZero;
    CGSize size = CGSizeZero;
    CFTypeRef value = NULL;
    int ok = 0;
    if (AXUIElementCopyAttributeValue((AXUIElementRef)window, kAXPositionAttribute, &value) == kAXErrorSuccess && value != NULL) {
        AXValueGetValue((AXValueRef)value, kAXValueTypeCGPoint, &pos);
        CFRelease(value);
        value = NULL;
        if (AXUIElementCopyAttributeValue((AXUIElementRef)window, kAXSizeAttribute, &value) == kAXErrorSuccess && value != NULL) {
            AXValueGetValue((AXValueRef)value, kAXValueTypeCGSize, &size);
            CFRelease(value);
            ok = 1;
        }
    }
    CFRelease(window);
    if (!ok) return 0;
    *x = pos.x;
    *y = primaryScreenHeight() - (pos.y + size.height);
    *w = size.width;
    *h = size.height;
    return 1;
}

// visible_frame_at returns the visibleFrame of the screen containing the
// point, or of the main screen. NSScreen is already bottom-left.
static void visible_frame_at(double px, double py, double *x, double *y, double *w, double *h) {
    @autoreleasepool {
        NSPoint p = NSMakePoint(px, py);
        NSScreen *match = [NSScreen mainScreen];
        for (NSScreen *screen in [NSScreen screens]) {
            if (NSPointInRect(p, [screen frame])) {
                match = screen;
                break;
            }
        }
        NSRect vf = [match visibleFrame];
        *x = vf.origin.x; *y = vf.origin.y; *w = vf.size.width; *h = vf.size.height;
    }
}

static void mouse_position(double *x, double *y) {
    @autoreleasepool {
        NSPoint p = [NSEvent mouseLocation]; // bottom-left already
        *x = p.x;
        *y = p.y;
    }
}

static int ax_set_selected_range(AXUIElementRef el, long loc, long len) {
    if (el == NULL) return 0;
    CFRange range = CFRangeMake(loc, len);
    AXValueRef value = AXValueCreate(kAXValueTypeCFRange, &range);
    if (value == NULL) return 0;
    AXError err = AXUIElementSetAttributeValue(el, kAXSelectedTextRangeAttribute, value);
    CFRelease(value);
    return err == kAXErrorSuccess ? 1 : 0;
}

// ax_replace_selection overwrites the element's current selection (or
// inserts at the caret when the selection is empty) via the selected-text
// attribute — the direct, paste-free insertion path.
static int ax_replace_selection(AXUIElementRef el, const char *text) {
    if (el == NULL || text == NULL) return 0;
    @autoreleasepool {
        NSString *str = [NSString stringWithUTF8String:text];
        if (str == nil) return 0;
        AXError err = AXUIElementSetAttributeValue(el, kAXSelectedTextAttribute, (__bridge CFTypeRef)str);
        return err == kAXErrorSuccess ? 1 : 0;
    }
}

static char *clipboard_read(int *had) {
    @autoreleasepool {
        *had = 0;
        NSString *s = [[NSPasteboard generalPasteboard] stringForType:NSPasteboardTypeString];
        if (s == nil) return NULL;
        *had = 1;
        return strdup([s UTF8String]);
    }
}

static int clipboard_write(const char *text) {
    @autoreleasepool {
        NSString *s = [NSString stringWithUTF8String:text];
        if (s == nil) return 0;
        NSPasteboard *pb = [NSPasteboard generalPasteboard];
        [pb clearContents];
        return [pb setString:s forType:NSPasteboardTypeString] ? 1 : 0;
    }
}

// send_paste_keystroke synthesizes Cmd+V at the HID level.
static int send_paste_keystroke(void) {
    CGEventSourceRef source = CGEventSourceCreate(kCGEventSourceStateHIDSystemState);
    if (source == NULL) return 0;
    CGEventRef down = CGEventCreateKeyboardEvent(source, (CGKeyCode)kVK_ANSI_V, true);
    CGEventRef up = CGEventCreateKeyboardEvent(source, (CGKeyCode)kVK_ANSI_V, false);
    if (down == NULL || up == NULL) {
        if (down) CFRelease(down);
        if (up) CFRelease(up);
        CFRelease(source);
        return 0;
    }
    CGEventSetFlags(down, kCGEventFlagMaskCommand);
    CGEventSetFlags(up, kCGEventFlagMaskCommand);
    CGEventPost(kCGHIDEventTap, down);
    CGEventPost(kCGHIDEventTap, up);
    CFRelease(down);
    CFRelease(up);
    CFRelease(source);
    return 1;
}

// capture_window_jpeg captures the first on-screen window owned by pid,
// downscales so the longer edge is at most maxEdge, and compresses to JPEG.
// Returns NULL on any failure, including missing screen-recording
// permission. Caller frees.
static unsigned char *capture_window_jpeg(int pid, int maxEdge, int *outLen) {
    @autoreleasepool {
        *outLen = 0;
        CFArrayRef windowList = CGWindowListCopyWindowInfo(
            kCGWindowListOptionOnScreenOnly | kCGWindowListExcludeDesktopElements,
            kCGNullWindowID);
        if (windowList == NULL) return NULL;

        CGWindowID windowID = kCGNullWindowID;
        CFIndex count = CFArrayGetCount(windowList);
        for (CFIndex i = 0; i < count; i++) {
            CFDictionaryRef info = CFArrayGetValueAtIndex(windowList, i);
            CFNumberRef pidRef = CFDictionaryGetValue(info, kCGWindowOwnerPID);
            int ownerPID = 0;
            if (pidRef) CFNumberGetValue(pidRef, kCFNumberIntType, &ownerPID);
            if (ownerPID != pid) continue;
            CFNumberRef layerRef = CFDictionaryGetValue(info, kCGWindowLayer);
            int layer = 0;
            if (layerRef) CFNumberGetValue(layerRef, kCFNumberIntType, &layer);
            if (layer != 0) continue; // skip menu bar / dock entries
            CFNumberRef numRef = CFDictionaryGetValue(info, kCGWindowNumber);
            if (numRef) CFNumberGetValue(numRef, kCFNumberIntType, &windowID);
            break;
        }
        CFRelease(windowList);
        if (windowID == kCGNullWindowID) return NULL;

        CGImageRef image = CGWindowListCreateImage(
            CGRectNull, kCGWindowListOptionIncludingWindow, windowID,
            kCGWindowImageBoundsIgnoreFraming);
        if (image == NULL) return NULL;

        size_t w = CGImageGetWidth(image);
        size_t h = CGImageGetHeight(image);
        if (w == 0 || h == 0) {
            CGImageRelease(image);
            return NULL;
        }
        double scale = 1.0;
        size_t longer = w > h ? w : h;
        if ((int)longer > maxEdge) scale = (double)maxEdge / (double)longer;
        size_t dw = (size_t)(w * scale);
        size_t dh = (size_t)(h * scale);

        CGColorSpaceRef cs = CGColorSpaceCreateDeviceRGB();
        CGContextRef ctx = CGBitmapContextCreate(NULL, dw, dh, 8, 0, cs,
            kCGImageAlphaPremultipliedLast | kCGBitmapByteOrder32Big);
        CGColorSpaceRelease(cs);
        if (ctx == NULL) {
            CGImageRelease(image);
            return NULL;
        }
        CGContextSetInterpolationQuality(ctx, kCGInterpolationHigh);
        CGContextDrawImage(ctx, CGRectMake(0, 0, dw, dh), image);
        CGImageRef scaled = CGBitmapContextCreateImage(ctx);
        CGContextRelease(ctx);
        CGImageRelease(image);
        if (scaled == NULL) return NULL;

        NSBitmapImageRep *rep = [[NSBitmapImageRep alloc] initWithCGImage:scaled];
        CGImageRelease(scaled);
        NSData *jpeg = [rep representationUsingType:NSBitmapImageFileTypeJPEG
                                         properties:@{NSImageCompressionFactor: @0.7}];
        if (jpeg == nil || [jpeg length] == 0) return NULL;

        unsigned char *buf = malloc([jpeg length]);
        if (buf == NULL) return NULL;
        memcpy(buf, [jpeg bytes], [jpeg length]);
        *outLen = (int)[jpeg length];
        return buf;
    }
}

static void activate_app(int pid) {
    @autoreleasepool {
        NSRunningApplication *app = [NSRunningApplication runningApplicationWithProcessIdentifier:(pid_t)pid];
        if (app != nil) {
            [app activateWithOptions:NSApplicationActivateIgnoringOtherApps];
        }
    }
}

static void deactivate_self(void) {
    @autoreleasepool {
        [NSApp deactivate];
    }
}
*/
import "C"

import (
	"errors"
	"os"
	"unsafe"
)

// axElement wraps a retained AXUIElementRef. The target app owns the
// underlying element; the ref can go stale at any time, which surfaces as
// an AX error on the next operation.
type axElement struct {
	ref C.AXUIElementRef
}

// Release drops our retain on the underlying AX object.
func (e *axElement) Release() {
	if e != nil && e.ref != nil {
		C.ax_release(e.ref)
		e.ref = nil
	}
}

// darwinAXBackend is the production axBackend over the macOS Accessibility,
// AppKit and CoreGraphics APIs.
type darwinAXBackend struct{}

func newDarwinAXBackend() axBackend {
	return &darwinAXBackend{}
}

func (d *darwinAXBackend) Trusted() bool {
	return C.ax_trusted() == 1
}

func (d *darwinAXBackend) FocusedElement() (ElementRef, int, string, error) {
	var pid C.int
	ref := C.ax_focused_element(&pid)
	if ref == nil {
		return nil, 0, "", ErrNoFocusedElement
	}
	bundleID := ""
	if cstr := C.bundle_id_for_pid(pid); cstr != nil {
		bundleID = C.GoString(cstr)
		C.free(unsafe.Pointer(cstr))
	}
	return &axElement{ref: ref}, int(pid), bundleID, nil
}

func (d *darwinAXBackend) CaretBounds(el ElementRef) (Point, error) {
	ax, ok := el.(*axElement)
	if !ok || ax.ref == nil {
		return Point{}, ErrCannotGetPosition
	}
	var x, y C.double
	if C.ax_caret_bounds(ax.ref, &x, &y) == 0 {
		return Point{}, ErrCannotGetPosition
	}
	return Point{X: float64(x), Y: float64(y)}, nil
}

func (d *darwinAXBackend) SelectedText(el ElementRef) (string, *Range, error) {
	ax, ok := el.(*axElement)
	if !ok || ax.ref == nil {
		return "", nil, ErrNotATextElement
	}
	var loc, length C.long
	cstr := C.ax_selected_text(ax.ref, &loc, &length)
	if cstr == nil {
		return "", nil, ErrNotATextElement
	}
	defer C.free(unsafe.Pointer(cstr))
	text := C.GoString(cstr)
	var rng *Range
	if loc >= 0 && length > 0 {
		rng = &Range{Location: int(loc), Length: int(length)}
	}
	return text, rng, nil
}

func (d *darwinAXBackend) FrontmostApp() (int, string) {
	pid := int(C.frontmost_pid())
	bundleID := ""
	if cstr := C.frontmost_bundle_id(); cstr != nil {
		bundleID = C.GoString(cstr)
		C.free(unsafe.Pointer(cstr))
	}
	return pid, bundleID
}

func (d *darwinAXBackend) WindowFrame(pid int) (Rect, bool) {
	if pid <= 0 {
		return Rect{}, false
	}
	var x, y, w, h C.double
	if C.window_frame(C.int(pid), &x, &y, &w, &h) == 0 {
		return Rect{}, false
	}
	return Rect{X: float64(x), Y: float64(y), W: float64(w), H: float64(h)}, true
}

func (d *darwinAXBackend) VisibleFrameFor(r Rect) Rect {
	return d.VisibleFrameAt(r.MidPoint())
}

func (d *darwinAXBackend) VisibleFrameAt(p Point) Rect {
	var x, y, w, h C.double
	C.visible_frame_at(C.double(p.X), C.double(p.Y), &x, &y, &w, &h)
	return Rect{X: float64(x), Y: float64(y), W: float64(w), H: float64(h)}
}

func (d *darwinAXBackend) MousePosition() Point {
	var x, y C.double
	C.mouse_position(&x, &y)
	return Point{X: float64(x), Y: float64(y)}
}

func (d *darwinAXBackend) SetElementText(el ElementRef, text string) error {
	// Whole-value writes behave like replace-all; GhostType only ever
	// writes through the selection, so both paths converge here.
	return d.ReplaceSelection(el, text)
}

func (d *darwinAXBackend) SetSelectedRange(el ElementRef, r Range) error {
	ax, ok := el.(*axElement)
	if !ok || ax.ref == nil {
		return ErrNotATextElement
	}
	if C.ax_set_selected_range(ax.ref, C.long(r.Location), C.long(r.Length)) == 0 {
		return ErrCannotInsertText
	}
	return nil
}

func (d *darwinAXBackend) ReplaceSelection(el ElementRef, text string) error {
	ax, ok := el.(*axElement)
	if !ok || ax.ref == nil {
		return ErrNotATextElement
	}
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	if C.ax_replace_selection(ax.ref, ctext) == 0 {
		return ErrCannotInsertText
	}
	return nil
}

func (d *darwinAXBackend) ReadClipboard() (string, bool) {
	var had C.int
	cstr := C.clipboard_read(&had)
	if cstr == nil {
		return "", had == 1
	}
	defer C.free(unsafe.Pointer(cstr))
	return C.GoString(cstr), had == 1
}

func (d *darwinAXBackend) WriteClipboard(text string) error {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	if C.clipboard_write(ctext) == 0 {
		return errors.New("accessibility: pasteboard write failed")
	}
	return nil
}

func (d *darwinAXBackend) SendPasteKeystroke() error {
	if C.send_paste_keystroke() == 0 {
		return ErrCannotInsertText
	}
	return nil
}

const screenshotMaxEdge = 1024

func (d *darwinAXBackend) CaptureWindowImage(pid int) ([]byte, error) {
	var length C.int
	buf := C.capture_window_jpeg(C.int(pid), C.int(screenshotMaxEdge), &length)
	if buf == nil || length == 0 {
		return nil, ErrCaptureFailed
	}
	defer C.free(unsafe.Pointer(buf))
	return C.GoBytes(unsafe.Pointer(buf), length), nil
}

func (d *darwinAXBackend) ActivateApp(pid int) {
	if pid > 0 {
		C.activate_app(C.int(pid))
	}
}

func (d *darwinAXBackend) DeactivateSelf() {
	C.deactivate_self()
}

func (d *darwinAXBackend) SelfPID() int {
	return os.Getpid()
}
