// Package wire serializes and deserializes push-channel frames.
// Decoding is forward-compatible: malformed payloads and unknown frame
// types must never crash the client.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminators. Outbound frames are client->server, inbound
// frames are server->client; "typing" and "readReceipt" flow both ways.
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "readReceipt"
	TypeNewMessage  = "newMessage"
	TypePresence    = "presence"
	TypeAck         = "ack"
)

// Frame is the tagged union exchanged over the push channel. Only the
// fields relevant to a given Type are populated; frames are ephemeral and
// never persisted.
type Frame struct {
	Type           string    `json:"type"`
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       string    `json:"senderId,omitempty"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	Content        string    `json:"content,omitempty"`
	IsTyping       bool      `json:"isTyping"`
	Online         bool      `json:"online"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
}

// DecodeError reports a malformed frame. The dispatcher discards these
// silently; nothing above the codec ever sees a panic or a crash.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Decode parses a raw payload into a Frame. It never panics: non-JSON
// input and frames without a type yield a *DecodeError.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &DecodeError{Reason: "invalid JSON", Cause: err}
	}
	if f.Type == "" {
		return Frame{}, &DecodeError{Reason: "missing type"}
	}
	return f, nil
}

// Known reports whether t is a frame type this client understands.
// Unknown types are discarded by the dispatcher, not treated as errors,
// so newer servers can add frame types without breaking old clients.
func Known(t string) bool {
	switch t {
	case TypeMessage, TypeTyping, TypeReadReceipt, TypeNewMessage, TypePresence, TypeAck:
		return true
	}
	return false
}

// Encode serializes an outbound frame.
func Encode(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("encode frame: missing type")
	}
	return json.Marshal(f)
}
