package domain

import (
	"context"
	"time"
)

// PersistRequest is a write issued over the reliable request/response
// channel. IdempotencyKey is the message's localId so retries cannot
// create duplicates server-side.
type PersistRequest struct {
	ConversationID string
	ReceiverID     string
	Content        string
	IdempotencyKey string
}

// PersistedMessage is the server's record of a durably stored message.
type PersistedMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Persister durably stores a message via the reliable channel. It must
// work even while the push channel is down.
type Persister interface {
	Persist(ctx context.Context, req PersistRequest) (*PersistedMessage, error)
}
