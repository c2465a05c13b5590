package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aretw0/databench/pkg/domain"
)

// FrameSeparator splits the session id from the JSON body of a kernel frame.
const FrameSeparator = '|'

// FrameKind classifies the body of a kernel frame.
type FrameKind int

const (
	FrameEnvelope FrameKind = iota
	FrameHandshake
	FrameHandshakeAck
)

// Frame is a decoded kernel frame.
type Frame struct {
	SessionID string
	Kind      FrameKind
	Envelope  domain.Envelope
}

// Topic returns the subscription prefix that selects frames for one session.
func Topic(sessionID string) string {
	return sessionID + string(FrameSeparator)
}

// EncodeFrame serializes an envelope for the kernel link.
func EncodeFrame(sessionID string, env domain.Envelope) ([]byte, error) {
	return encodeFrame(sessionID, envelopeObject(env))
}

// EncodeHandshake serializes a handshake probe.
func EncodeHandshake(sessionID string) ([]byte, error) {
	return encodeFrame(sessionID, map[string]any{domain.KeyHandshake: true})
}

// EncodeHandshakeAck serializes a handshake acknowledgement.
func EncodeHandshakeAck(sessionID string) ([]byte, error) {
	return encodeFrame(sessionID, map[string]any{domain.KeyHandshakeAck: true})
}

func encodeFrame(sessionID string, body any) ([]byte, error) {
	if bytes.IndexByte([]byte(sessionID), FrameSeparator) >= 0 {
		return nil, fmt.Errorf("session id %q contains the frame separator", sessionID)
	}
	data, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sessionID)+1+len(data))
	out = append(out, sessionID...)
	out = append(out, FrameSeparator)
	return append(out, data...), nil
}

// DecodeFrame parses "<session-id>|<json>".
func DecodeFrame(data []byte) (Frame, error) {
	i := bytes.IndexByte(data, FrameSeparator)
	if i < 0 {
		return Frame{}, fmt.Errorf("%w: frame without separator", domain.ErrMalformedEnvelope)
	}
	f := Frame{SessionID: string(data[:i])}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data[i+1:], &obj); err != nil || obj == nil {
		return Frame{}, fmt.Errorf("%w: %s", domain.ErrMalformedEnvelope, truncate(data))
	}
	if _, ok := obj[domain.KeyHandshake]; ok {
		f.Kind = FrameHandshake
		return f, nil
	}
	if _, ok := obj[domain.KeyHandshakeAck]; ok {
		f.Kind = FrameHandshakeAck
		return f, nil
	}

	env, err := decodeEnvelope(obj)
	if err != nil {
		return Frame{}, err
	}
	f.Envelope = env
	return f, nil
}
