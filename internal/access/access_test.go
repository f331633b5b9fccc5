package access

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"granted":    StatusGranted,
		" Denied ":   StatusDenied,
		"restricted": StatusRestricted,
		"write_only": StatusWriteOnly,
		"write-only": StatusWriteOnly,
		"":           StatusUnknown,
		"prompt":     StatusUnknown,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusErr(t *testing.T) {
	if !errors.Is(StatusDenied.Err(), ErrDenied) {
		t.Fatal("denied should map to ErrDenied")
	}
	if !errors.Is(StatusRestricted.Err(), ErrRestricted) {
		t.Fatal("restricted should map to ErrRestricted")
	}
	if !errors.Is(StatusWriteOnly.Err(), ErrWriteOnly) {
		t.Fatal("write-only should map to ErrWriteOnly")
	}
	if StatusGranted.Err() != nil || StatusUnknown.Err() != nil {
		t.Fatal("granted/unknown should have no error")
	}
}

func TestStatic(t *testing.T) {
	res := NewStatic(StatusRestricted).RequestAccess(context.Background())
	if res.Granted() || res.Message == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	res = NewStatic(StatusUnknown).RequestAccess(context.Background())
	if !res.Granted() {
		t.Fatalf("unknown static status should grant, got %+v", res)
	}
}

func TestPromptGrantRemembered(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompt(strings.NewReader("y\n"), &out)

	if res := p.RequestAccess(context.Background()); !res.Granted() {
		t.Fatalf("expected grant, got %+v", res)
	}
	if !strings.Contains(out.String(), "[y/N]") {
		t.Fatalf("prompt not written: %q", out.String())
	}

	// Input is exhausted; a second request must not ask again.
	if res := p.RequestAccess(context.Background()); !res.Granted() {
		t.Fatalf("expected remembered grant, got %+v", res)
	}
}

func TestPromptDeny(t *testing.T) {
	p := NewPrompt(strings.NewReader("no\n"), io.Discard)
	res := p.RequestAccess(context.Background())
	if res.Status != StatusDenied || res.Message == "" {
		t.Fatalf("expected denial with message, got %+v", res)
	}
}

func TestPromptCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	p := NewPrompt(pr, io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := p.RequestAccess(ctx)
	if res.Status != StatusUnknown {
		t.Fatalf("expected unknown after cancellation, got %+v", res)
	}
	if p.Status() != StatusUnknown {
		t.Fatalf("state should return to unknown, got %q", p.Status())
	}

	// The abandoned read is picked up by the next request.
	go func() { _, _ = pw.Write([]byte("y\n")) }()
	if res := p.RequestAccess(context.Background()); !res.Granted() {
		t.Fatalf("expected grant from pending answer, got %+v", res)
	}
}
