// Package chat is the reliable, server-mediated channel between peers. A
// Hub routes envelopes between logged-in identities over TCP; a Client
// keeps one link to the hub. Links may be encrypted with a Noise NN
// handshake. MemoryNetwork offers the same Messenger interface in memory.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags the payload of an envelope.
type Kind string

// Application kinds.
const (
	KindText       Kind = "text"
	KindCallSignal Kind = "call_signal"
)

// Link control kinds, exchanged only between client and hub.
const (
	kindLogin    Kind = "login"
	kindLoginAck Kind = "login_ack"
	kindAck      Kind = "ack"
	kindNack     Kind = "nack"
)

// Envelope is one routed message.
type Envelope struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	From    string    `json:"from"`
	To      string    `json:"to,omitempty"`
	Payload []byte    `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
	// Error explains a nack.
	Error string `json:"error,omitempty"`
}

// NewEnvelope stamps a fresh envelope.
func NewEnvelope(kind Kind, from, to string, payload []byte) Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		From:    from,
		To:      to,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
}

// Handler consumes inbound envelopes of one kind.
type Handler func(Envelope)

// Messenger is the reliable channel as seen by one identity. Send returns
// only after the envelope reached the destination, or with an error.
type Messenger interface {
	Identity() string
	Send(ctx context.Context, to string, kind Kind, payload []byte) error
	Handle(kind Kind, fn Handler)
	Close() error
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// isApplicationKind reports whether peers may exchange kind.
func isApplicationKind(kind Kind) bool {
	return kind == KindText || kind == KindCallSignal
}
