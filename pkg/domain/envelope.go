package domain

import "fmt"

// Load is the optional payload of an envelope.
// Present distinguishes an absent load from an explicit JSON null.
type Load struct {
	Value   any
	Present bool
}

// NoLoad is the payload of an envelope without a "load" field.
var NoLoad = Load{}

// NewLoad wraps a value as a present payload.
func NewLoad(v any) Load {
	return Load{Value: v, Present: true}
}

// Envelope is the {signal, load} unit exchanged with the peer.
type Envelope struct {
	Signal string
	Load   Load
}

// NewEnvelope creates an envelope carrying the given load.
func NewEnvelope(signal string, load any) Envelope {
	return Envelope{Signal: signal, Load: NewLoad(load)}
}

func (e Envelope) String() string {
	if !e.Load.Present {
		return e.Signal
	}
	return fmt.Sprintf("%s(%v)", e.Signal, e.Load.Value)
}

// Action is an inbound request to run the handlers registered under Name.
type Action struct {
	Name string
	Load Load

	// ProcessID is the correlation id taken from the "__process_id" field
	// of a map load. Nil when the action is not bracketed.
	ProcessID any
}

// NewAction builds an action and extracts its process id, if any.
// The "__process_id" key is removed from a map load before binding.
func NewAction(name string, load Load) Action {
	a := Action{Name: name, Load: load}
	m, ok := load.Value.(map[string]any)
	if !ok {
		return a
	}
	id, ok := m[KeyProcessID]
	if !ok {
		return a
	}
	rest := make(map[string]any, len(m)-1)
	for k, v := range m {
		if k != KeyProcessID {
			rest[k] = v
		}
	}
	a.ProcessID = id
	a.Load = NewLoad(rest)
	return a
}

// Bracketed reports whether the action carries a process id.
func (a Action) Bracketed() bool {
	return a.ProcessID != nil
}

// ProcessMarker builds the "__process" envelope for a bracketed action.
func ProcessMarker(id any, status string) Envelope {
	return NewEnvelope(SignalProcess, map[string]any{
		"id":     id,
		"status": status,
	})
}
