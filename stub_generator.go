package main

import (
	"sync/atomic"
	"time"
)

// stubGenerator produces a canned streamed response when the backend is
// down, so the panel flow stays exercisable without the agent process. It
// implements the same generator contract as the transport client.
type stubGenerator struct {
	handlers  StreamHandlers
	clock     clock
	cancelled atomic.Bool
}

func newStubGenerator(h StreamHandlers, c clock) *stubGenerator {
	if c == nil {
		c = realClock{}
	}
	return &stubGenerator{handlers: h, clock: c}
}

func (s *stubGenerator) Generate(req GenerateRequest) error {
	s.cancelled.Store(false)
	text := "The GhostType agent is not running. Start it with: ghosttype-agent serve"
	if req.Context != "" {
		text = req.Context
	}
	go func() {
		for _, word := range splitKeepingSpace(text) {
			if s.cancelled.Load() {
				if s.handlers.OnCancelled != nil {
					s.handlers.OnCancelled()
				}
				return
			}
			if s.handlers.OnToken != nil {
				s.handlers.OnToken(word)
			}
			s.clock.Sleep(30 * time.Millisecond)
		}
		if s.handlers.OnDone != nil {
			s.handlers.OnDone(text)
		}
	}()
	return nil
}

func (s *stubGenerator) Cancel() {
	s.cancelled.Store(true)
}

// splitKeepingSpace chunks text into word-sized tokens, each keeping its
// leading space, mimicking the backend's token stream shape.
func splitKeepingSpace(text string) []string {
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
