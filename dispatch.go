package main

import (
	"log"
	"time"
)

// clock abstracts time so retry ladders and debounces can run under a fake
// scheduler in tests. The real implementation delegates to the time package.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) *time.Timer
	NewTicker(d time.Duration) *time.Ticker
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time                                   { return time.Now() }
func (realClock) AfterFunc(d time.Duration, fn func()) *time.Timer { return time.AfterFunc(d, fn) }
func (realClock) NewTicker(d time.Duration) *time.Ticker           { return time.NewTicker(d) }
func (realClock) Sleep(d time.Duration)                            { time.Sleep(d) }

// uiLoop is the single UI-affinity execution context. All Session and panel
// mutation happens on its goroutine; background work (network, screenshot
// capture, health polling) posts closures here instead of touching shared
// state. There are no locks — mutual exclusion is by confinement.
type uiLoop struct {
	work  chan func()
	quit  chan struct{}
	clock clock
}

func newUILoop(c clock) *uiLoop {
	if c == nil {
		c = realClock{}
	}
	return &uiLoop{
		work:  make(chan func(), 64),
		quit:  make(chan struct{}),
		clock: c,
	}
}

// Run drains posted work until Stop is called. Call from exactly one goroutine.
func (l *uiLoop) Run() {
	for {
		select {
		case fn := <-l.work:
			l.invoke(fn)
		case <-l.quit:
			// Drain anything already queued so posted cleanup still runs.
			for {
				select {
				case fn := <-l.work:
					l.invoke(fn)
				default:
					return
				}
			}
		}
	}
}

func (l *uiLoop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			// A failed turn must never take the process down.
			log.Printf("dispatch: recovered panic in posted work: %v", r)
		}
	}()
	fn()
}

// Post schedules fn on the UI loop. Non-blocking unless the queue is full,
// in which case the caller waits — backpressure, never silent drop.
func (l *uiLoop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.quit:
	}
}

// PostDelayed schedules fn on the UI loop after d has elapsed.
func (l *uiLoop) PostDelayed(d time.Duration, fn func()) *time.Timer {
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}

// Stop ends the loop after draining queued work.
func (l *uiLoop) Stop() {
	close(l.quit)
}
