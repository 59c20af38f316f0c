// Package wire defines the JSON protocol spoken over the duplex channel and
// the persisted transcript line format.
//
// Every frame in either direction is an envelope {"type": ..., "payload": ...}.
// Inbound frames decode straight into one of the ServerEvent structs; nothing
// downstream looks at the type string again.
package wire

import (
	"encoding/json"
	"errors"
)

// Envelope is the frame shape used in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	// ErrMalformed is returned for frames that are not valid envelopes or
	// whose payload does not match the declared type.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownEventType is returned for envelopes with a type this client
	// does not understand.
	ErrUnknownEventType = errors.New("unknown event type")
)
