// Package packet defines the whoisit wire format.
//
// Every packet is a single JSON object of the form {"kind": ..., "payload": ...}.
// The payload is kept as raw JSON until the receiver knows which kind it is
// looking at, so unknown kinds can be dropped without a second decode.
package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the logical event a packet carries.
type Kind string

const (
	ExchangeSecret Kind = "EXCHANGE_SECRET" // payload: string
	Message        Kind = "MESSAGE"         // payload: string (question or guess)
	AnswerKind     Kind = "ANSWER"          // payload: Answer
	GameWon        Kind = "GAME_WON"        // payload: null
	Restart        Kind = "RESTART"         // payload: null
	WithdrawSecret Kind = "WITHDRAW_SECRET" // payload: null
)

var (
	ErrMalformed   = errors.New("packet: malformed")
	ErrUnknownKind = errors.New("packet: unknown kind")
)

// Packet is one logical event sent between peers.
type Packet struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (k Kind) valid() bool {
	switch k {
	case ExchangeSecret, Message, AnswerKind, GameWon, Restart, WithdrawSecret:
		return true
	}
	return false
}

// New builds a packet, marshalling payload to JSON. A nil payload is sent as null.
func New(kind Kind, payload any) (Packet, error) {
	if !kind.valid() {
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("packet: encode %s payload: %w", kind, err)
	}

	return Packet{Kind: kind, Payload: raw}, nil
}

// Encode serialises p into its wire form.
func (p Packet) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses one wire packet. Unknown kinds and non-object input are
// reported as ErrMalformed so the caller can drop them uniformly.
func Decode(b []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(b, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !p.Kind.valid() {
		return Packet{}, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownKind, p.Kind)
	}
	return p, nil
}

// Text decodes a string payload (EXCHANGE_SECRET, MESSAGE).
func (p Packet) Text() (string, error) {
	var s string
	if err := json.Unmarshal(p.Payload, &s); err != nil {
		return "", fmt.Errorf("%w: %s payload is not a string", ErrMalformed, p.Kind)
	}
	return s, nil
}

// Answer decodes an ANSWER payload.
func (p Packet) Answer() (Answer, error) {
	var a Answer
	if err := json.Unmarshal(p.Payload, &a); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return a, nil
}

// IsNull reports whether the payload is absent or JSON null.
func (p Packet) IsNull() bool {
	trimmed := bytes.TrimSpace(p.Payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
