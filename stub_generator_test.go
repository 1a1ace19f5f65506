package main

import (
	"strings"
	"testing"
	"time"
)

func TestStubEchoesContext(t *testing.T) {
	var tokens []string
	done := make(chan string, 1)
	stub := newStubGenerator(StreamHandlers{
		OnToken: func(s string) { tokens = append(tokens, s) },
		OnDone:  func(s string) { done <- s },
	}, &fakeClock{})

	if err := stub.Generate(GenerateRequest{Context: "teh qick fox"}); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	select {
	case full := <-done:
		if full != "teh qick fox" {
			t.Errorf("done = %q", full)
		}
	case <-time.After(time.Second):
		t.Fatal("stub never finished")
	}
	if strings.Join(tokens, "") != "teh qick fox" {
		t.Errorf("tokens = %q", strings.Join(tokens, ""))
	}
}

func TestStubCancelStopsStream(t *testing.T) {
	cancelled := make(chan struct{}, 1)
	stub := newStubGenerator(StreamHandlers{
		OnCancelled: func() { cancelled <- struct{}{} },
	}, nil) // real clock: the 30ms gaps leave room to cancel

	if err := stub.Generate(GenerateRequest{Context: "a slow stream of many words here"}); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	stub.Cancel()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel never acknowledged")
	}
}

func TestSplitKeepingSpace(t *testing.T) {
	got := splitKeepingSpace("The quick fox")
	want := []string{"The", " quick", " fox"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %q; want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunks = %q; want %q", got, want)
		}
	}
	if out := splitKeepingSpace(""); len(out) != 0 {
		t.Errorf("splitKeepingSpace(\"\") = %q; want empty", out)
	}
}
