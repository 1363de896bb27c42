package domain

import (
	"strings"
	"time"
)

// MessageStatus is the delivery state of a message. Statuses only move
// forward; Failed is terminal and reachable only from Sending.
type MessageStatus int

const (
	StatusSending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanAdvanceTo reports whether a transition from s to next is legal.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if next == StatusFailed {
		return s == StatusSending
	}
	if s == StatusFailed {
		return false
	}
	return next > s
}

// LocalIDPrefix namespaces client-generated ids so they can never collide
// with server-assigned ids.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id was generated on this client.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Message is one entry in a conversation's ordered sequence.
// LocalID is always present for locally-originated messages; ServerID is
// attached once the reliable channel confirms the write.
type Message struct {
	LocalID        string        `json:"localId,omitempty"`
	ServerID       string        `json:"serverId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
}

// Confirmed reports whether the server has acknowledged the message.
func (m Message) Confirmed() bool { return m.ServerID != "" }
