// Package access models calendar read permission as a small closed set of
// outcomes and provides Requester implementations for hosts that grant it
// statically (config) or interactively (terminal prompt).
package access

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Status is the calendar read-permission state.
type Status string

const (
	StatusUnknown       Status = "unknown"
	StatusPromptPending Status = "prompt_pending"
	StatusGranted       Status = "granted"
	StatusDenied        Status = "denied"
	StatusRestricted    Status = "restricted"
	StatusWriteOnly     Status = "write_only"
)

var (
	ErrDenied     = errors.New("calendar access was denied")
	ErrRestricted = errors.New("calendar access is restricted")
	ErrWriteOnly  = errors.New("calendar access is write-only")
)

// ParseStatus maps a config value to a Status. Empty or unrecognized values
// map to StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusGranted:
		return StatusGranted
	case StatusDenied:
		return StatusDenied
	case StatusRestricted:
		return StatusRestricted
	case StatusWriteOnly, "writeonly", "write-only":
		return StatusWriteOnly
	default:
		return StatusUnknown
	}
}

// Err returns the error associated with a non-granted terminal status, or
// nil for StatusGranted and the non-terminal states.
func (s Status) Err() error {
	switch s {
	case StatusDenied:
		return ErrDenied
	case StatusRestricted:
		return ErrRestricted
	case StatusWriteOnly:
		return ErrWriteOnly
	default:
		return nil
	}
}

// Message returns the human-readable text shown for s, or "" when there is
// nothing to report.
func (s Status) Message() string {
	switch s {
	case StatusDenied:
		return "Calendar access was denied. Please enable access in Settings."
	case StatusRestricted:
		return "Calendar access is restricted on this device."
	case StatusWriteOnly:
		return "Calendar access is write-only on this device."
	default:
		return ""
	}
}

// Result is the outcome of a permission request.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Granted reports whether events may be read.
func (r Result) Granted() bool {
	return r.Status == StatusGranted
}

// Requester is the permission capability consumed by the session.
type Requester interface {
	RequestAccess(ctx context.Context) Result
}

// Static answers every request with a fixed status.
type Static struct {
	status Status
}

// NewStatic returns a Requester that always reports status. StatusUnknown
// and StatusPromptPending are treated as granted, since a host without a
// permission layer has nothing to ask.
func NewStatic(status Status) *Static {
	if status == StatusUnknown || status == StatusPromptPending {
		status = StatusGranted
	}
	return &Static{status: status}
}

func (s *Static) RequestAccess(_ context.Context) Result {
	return Result{Status: s.status, Message: s.status.Message()}
}

// Prompt asks the user once on an interactive stream and remembers the
// answer. While waiting for input its state is StatusPromptPending.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer

	// reqMu serializes prompts; mu guards status.
	reqMu  sync.Mutex
	mu     sync.Mutex
	status Status

	// pending holds the answer channel of a read abandoned by a cancelled
	// request, so the next request picks it up instead of reading twice.
	pending chan answer
}

type answer struct {
	line string
	err  error
}

// NewPrompt returns a Requester that asks on out and reads a y/n answer
// from in.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{
		in:     bufio.NewReader(in),
		out:    out,
		status: StatusUnknown,
	}
}

// Status returns the current state without prompting.
func (p *Prompt) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Prompt) RequestAccess(ctx context.Context) Result {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	if s := p.Status(); s == StatusGranted || s == StatusDenied {
		return Result{Status: s, Message: s.Message()}
	}

	p.setStatus(StatusPromptPending)

	ch := p.pending
	p.pending = nil
	if ch == nil {
		fmt.Fprint(p.out, "Allow read access to your calendars? [y/N]: ")
		ch = make(chan answer, 1)
		go func() {
			line, err := p.in.ReadString('\n')
			ch <- answer{line: line, err: err}
		}()
	}

	select {
	case <-ctx.Done():
		p.pending = ch
		p.setStatus(StatusUnknown)
		return Result{Status: StatusUnknown, Message: "Calendar access error: " + ctx.Err().Error()}
	case a := <-ch:
		if a.err != nil && a.line == "" {
			p.setStatus(StatusDenied)
			return Result{Status: StatusDenied, Message: "Calendar access was not granted."}
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			p.setStatus(StatusGranted)
			return Result{Status: StatusGranted}
		default:
			p.setStatus(StatusDenied)
			return Result{Status: StatusDenied, Message: "Calendar access was not granted."}
		}
	}
}

func (p *Prompt) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}
