package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventSessionOpen  EventType = "session_open"
	EventSessionClose EventType = "session_close"
	EventAction       EventType = "action"
	EventHandshake    EventType = "handshake"
	EventKernelStart  EventType = "kernel_start"
	EventKernelExit   EventType = "kernel_exit"
)

// Outcome of a dispatched action.
const (
	OutcomeOK        = "ok"
	OutcomeNoHandler = "no_handler"
	OutcomeError     = "error"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Analysis  string    `json:"analysis"`
}

// SessionEvent marks a session entering or leaving the CONNECTED state.
type SessionEvent struct {
	EventBase
	Resumed bool `json:"resumed,omitempty"`
}

// ActionEvent reports one dispatched action.
type ActionEvent struct {
	EventBase
	Action   string        `json:"action"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration"`
}

// KernelEvent reports kernel process lifecycle and handshake latency.
type KernelEvent struct {
	EventBase
	Probes   int           `json:"probes,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      error         `json:"-"`
}

// LifecycleHooks defines callbacks for runtime observability.
// Any field may be nil.
type LifecycleHooks struct {
	OnSessionOpen  func(context.Context, *SessionEvent)
	OnSessionClose func(context.Context, *SessionEvent)
	OnAction       func(context.Context, *ActionEvent)
	OnHandshake    func(context.Context, *KernelEvent)
	OnKernelStart  func(context.Context, *KernelEvent)
	OnKernelExit   func(context.Context, *KernelEvent)
}

func (h LifecycleHooks) SessionOpen(ctx context.Context, e *SessionEvent) {
	if h.OnSessionOpen != nil {
		h.OnSessionOpen(ctx, e)
	}
}

func (h LifecycleHooks) SessionClose(ctx context.Context, e *SessionEvent) {
	if h.OnSessionClose != nil {
		h.OnSessionClose(ctx, e)
	}
}

func (h LifecycleHooks) Action(ctx context.Context, e *ActionEvent) {
	if h.OnAction != nil {
		h.OnAction(ctx, e)
	}
}

func (h LifecycleHooks) Handshake(ctx context.Context, e *KernelEvent) {
	if h.OnHandshake != nil {
		h.OnHandshake(ctx, e)
	}
}

func (h LifecycleHooks) KernelStart(ctx context.Context, e *KernelEvent) {
	if h.OnKernelStart != nil {
		h.OnKernelStart(ctx, e)
	}
}

func (h LifecycleHooks) KernelExit(ctx context.Context, e *KernelEvent) {
	if h.OnKernelExit != nil {
		h.OnKernelExit(ctx, e)
	}
}

// Merge returns hooks that call h and then other.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnSessionOpen: func(ctx context.Context, e *SessionEvent) {
			h.SessionOpen(ctx, e)
			other.SessionOpen(ctx, e)
		},
		OnSessionClose: func(ctx context.Context, e *SessionEvent) {
			h.SessionClose(ctx, e)
			other.SessionClose(ctx, e)
		},
		OnAction: func(ctx context.Context, e *ActionEvent) {
			h.Action(ctx, e)
			other.Action(ctx, e)
		},
		OnHandshake: func(ctx context.Context, e *KernelEvent) {
			h.Handshake(ctx, e)
			other.Handshake(ctx, e)
		},
		OnKernelStart: func(ctx context.Context, e *KernelEvent) {
			h.KernelStart(ctx, e)
			other.KernelStart(ctx, e)
		},
		OnKernelExit: func(ctx context.Context, e *KernelEvent) {
			h.KernelExit(ctx, e)
			other.KernelExit(ctx, e)
		},
	}
}
