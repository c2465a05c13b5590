package codec

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/databench/pkg/domain"
)

// EncodeEnvelope serializes an envelope for the peer, sanitizing its load.
// The "load" field is omitted when the envelope has no load.
func EncodeEnvelope(env domain.Envelope) ([]byte, error) {
	return Marshal(envelopeObject(env))
}

func envelopeObject(env domain.Envelope) map[string]any {
	obj := map[string]any{"signal": env.Signal}
	if env.Load.Present {
		obj["load"] = Sanitize(env.Load.Value)
	}
	return obj
}

// Inbound is a decoded message from the peer.
// Exactly one of Connect or Envelope is meaningful.
type Inbound struct {
	// Connect is true for a {"__connect": ...} request.
	Connect bool
	// ConnectID is the requested instance id; empty asks for a fresh one.
	ConnectID string
	// RequestArgs is the raw query string sent with "__connect".
	RequestArgs string

	Envelope domain.Envelope
}

// DecodeInbound parses a message received from the peer.
// It returns domain.ErrMalformedEnvelope for anything that is not a JSON
// object and domain.ErrMissingSignal for an object without "signal".
func DecodeInbound(data []byte) (Inbound, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return Inbound{}, fmt.Errorf("%w: %s", domain.ErrMalformedEnvelope, truncate(data))
	}

	if raw, ok := obj[domain.KeyConnect]; ok {
		in := Inbound{Connect: true}
		id, err := optionalString(raw)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: %s must be a string or null", domain.ErrMalformedEnvelope, domain.KeyConnect)
		}
		in.ConnectID = id
		if raw, ok := obj[domain.KeyRequestArgs]; ok {
			qs, err := optionalString(raw)
			if err != nil {
				return Inbound{}, fmt.Errorf("%w: %s must be a string or null", domain.ErrMalformedEnvelope, domain.KeyRequestArgs)
			}
			in.RequestArgs = qs
		}
		return in, nil
	}

	env, err := decodeEnvelope(obj)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Envelope: env}, nil
}

func decodeEnvelope(obj map[string]json.RawMessage) (domain.Envelope, error) {
	raw, ok := obj["signal"]
	if !ok {
		return domain.Envelope{}, domain.ErrMissingSignal
	}
	var signal string
	if err := json.Unmarshal(raw, &signal); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: signal must be a string", domain.ErrMalformedEnvelope)
	}

	env := domain.Envelope{Signal: signal}
	if raw, ok := obj["load"]; ok {
		v, err := Unmarshal(raw)
		if err != nil {
			return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
		}
		env.Load = domain.NewLoad(v)
	}
	return env, nil
}

func optionalString(raw json.RawMessage) (string, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

func truncate(data []byte) string {
	const limit = 64
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
