// Package reconcile merges optimistic local message records with
// authoritative records arriving over the reliable channel and the push
// channel, without ever showing a message twice.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"heartline/internal/bus"
	"heartline/internal/domain"
	"heartline/internal/metrics"
	"heartline/internal/wire"
)

// defaultEchoWindow bounds the content-match fallback when a push echo
// arrives before the persist response has attached a server id.
const defaultEchoWindow = 10 * time.Second

// Reconciler owns the ordered message sequence of every open conversation.
//
// Writes take two paths: the reliable request/response channel makes the
// message durable, and the push channel echoes it back for low-latency
// delivery. The echo must land on the optimistic record already shown,
// never as a second entry.
type Reconciler struct {
	mu    sync.Mutex
	self  string
	convs map[string][]domain.Message

	persist    domain.Persister
	events     *bus.Bus
	logger     *slog.Logger
	echoWindow time.Duration
	now        func() time.Time
}

// New creates a Reconciler for the given local identity.
func New(self string, persist domain.Persister, events *bus.Bus, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		self:       self,
		convs:      make(map[string][]domain.Message),
		persist:    persist,
		events:     events,
		logger:     logger,
		echoWindow: defaultEchoWindow,
		now:        time.Now,
	}
}

// Send appends an optimistic record, persists it over the reliable
// channel, and upgrades the record in place on success. On failure the
// record stays visible with status Failed and the error is returned so
// the caller can offer a retry.
//
// The optimistic record is visible to subscribers before the persist
// request suspends; its position in the sequence never changes.
func (r *Reconciler) Send(ctx context.Context, conversationID, receiverID, content string) (domain.Message, error) {
	msg := domain.Message{
		LocalID:        domain.LocalIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       r.self,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      r.now(),
		Status:         domain.StatusSending,
	}

	r.mu.Lock()
	r.convs[conversationID] = append(r.convs[conversationID], msg)
	r.mu.Unlock()
	r.events.Emit(bus.Event{Topic: bus.TopicMessageAppended, Payload: bus.MessageEvent{ConversationID: conversationID, Message: msg}})

	rec, err := r.persist.Persist(ctx, domain.PersistRequest{
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		Content:        content,
		IdempotencyKey: msg.LocalID,
	})
	if err != nil {
		failed := r.markFailed(conversationID, msg.LocalID)
		metrics.MessagesFailed.Inc()
		r.logger.Warn("persist failed", "conversation", conversationID, "local_id", msg.LocalID, "err", err)
		return failed, fmt.Errorf("send message: %w", err)
	}

	confirmed := r.confirm(conversationID, msg.LocalID, rec)
	metrics.MessagesSent.Inc()
	return confirmed, nil
}

// markFailed sets the optimistic record to Failed in place. Failed is
// only reachable from Sending; a record the echo already confirmed is
// left alone.
func (r *Reconciler) markFailed(conversationID, localID string) domain.Message {
	r.mu.Lock()
	msgs := r.convs[conversationID]
	var updated domain.Message
	var changed bool
	for i := range msgs {
		if msgs[i].LocalID != localID {
			continue
		}
		if msgs[i].Status.CanAdvanceTo(domain.StatusFailed) {
			msgs[i].Status = domain.StatusFailed
			changed = true
		}
		updated = msgs[i]
		break
	}
	r.mu.Unlock()

	if changed {
		r.events.Emit(bus.Event{Topic: bus.TopicMessageUpdated, Payload: bus.MessageEvent{ConversationID: conversationID, Message: updated}})
	}
	return updated
}

// confirm replaces the Sending record with the server-confirmed one at
// the same position. If the push echo won the race and attached the
// server id first, this only reconciles the authoritative timestamp.
func (r *Reconciler) confirm(conversationID, localID string, rec *domain.PersistedMessage) domain.Message {
	r.mu.Lock()
	msgs := r.convs[conversationID]
	var updated domain.Message
	var changed bool
	for i := range msgs {
		if msgs[i].LocalID != localID {
			continue
		}
		if msgs[i].ServerID == "" {
			msgs[i].ServerID = rec.ID
			changed = true
		} else if msgs[i].ServerID != rec.ID {
			r.logger.Warn("server id mismatch between echo and persist response",
				"local_id", localID, "echo", msgs[i].ServerID, "persisted", rec.ID)
		}
		if !rec.CreatedAt.IsZero() {
			msgs[i].CreatedAt = rec.CreatedAt
		}
		if msgs[i].Status.CanAdvanceTo(domain.StatusSent) {
			msgs[i].Status = domain.StatusSent
			changed = true
		}
		updated = msgs[i]
		break
	}
	r.mu.Unlock()

	if changed {
		r.events.Emit(bus.Event{Topic: bus.TopicMessageUpdated, Payload: bus.MessageEvent{ConversationID: conversationID, Message: updated}})
	}
	return updated
}

// ApplyNewMessage handles an inbound "newMessage" push frame.
//
// A frame from a remote identity appends in arrival order. A frame from
// the local identity is an echo of our own write and must reconcile with
// the optimistic record: first by server id, then by content within the
// echo window for the race where the echo beats the persist response.
func (r *Reconciler) ApplyNewMessage(f wire.Frame) {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	if f.SenderID != r.self {
		msg := domain.Message{
			ServerID:       f.ID,
			ConversationID: f.ConversationID,
			SenderID:       f.SenderID,
			Content:        f.Content,
			CreatedAt:      createdAt,
			Status:         domain.StatusDelivered,
		}
		r.mu.Lock()
		r.convs[f.ConversationID] = append(r.convs[f.ConversationID], msg)
		r.mu.Unlock()
		r.events.Emit(bus.Event{Topic: bus.TopicMessageAppended, Payload: bus.MessageEvent{ConversationID: f.ConversationID, Message: msg}})
		return
	}

	r.mu.Lock()
	msgs := r.convs[f.ConversationID]

	// Already reconciled through the persist response.
	for i := range msgs {
		if msgs[i].ServerID == f.ID {
			r.mu.Unlock()
			metrics.MessagesDeduped.Inc()
			r.logger.Debug("dropped push echo, already confirmed", "server_id", f.ID)
			return
		}
	}

	// Echo arrived before the persist response: match the pending
	// optimistic record by content within the echo window.
	for i := range msgs {
		if msgs[i].SenderID != r.self || msgs[i].ServerID != "" {
			continue
		}
		if msgs[i].Content != f.Content {
			continue
		}
		if r.now().Sub(msgs[i].CreatedAt) > r.echoWindow {
			continue
		}
		msgs[i].ServerID = f.ID
		if msgs[i].Status.CanAdvanceTo(domain.StatusSent) {
			msgs[i].Status = domain.StatusSent
		}
		updated := msgs[i]
		r.mu.Unlock()
		metrics.MessagesDeduped.Inc()
		r.events.Emit(bus.Event{Topic: bus.TopicMessageUpdated, Payload: bus.MessageEvent{ConversationID: f.ConversationID, Message: updated}})
		return
	}

	// Own message with no optimistic record, e.g. sent from another
	// session of the same identity. Append it confirmed.
	msg := domain.Message{
		ServerID:       f.ID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		Content:        f.Content,
		CreatedAt:      createdAt,
		Status:         domain.StatusSent,
	}
	r.convs[f.ConversationID] = append(r.convs[f.ConversationID], msg)
	r.mu.Unlock()
	r.events.Emit(bus.Event{Topic: bus.TopicMessageAppended, Payload: bus.MessageEvent{ConversationID: f.ConversationID, Message: msg}})
}

// ApplyReadReceipt promotes all of the local identity's Sent/Delivered
// messages in the conversation to Read. Bulk and idempotent; receipts
// addressed to other identities are ignored.
func (r *Reconciler) ApplyReadReceipt(conversationID, senderID string) {
	if senderID != r.self {
		return
	}

	r.mu.Lock()
	msgs := r.convs[conversationID]
	var promoted []domain.Message
	for i := range msgs {
		if msgs[i].SenderID != r.self {
			continue
		}
		if msgs[i].Status != domain.StatusSent && msgs[i].Status != domain.StatusDelivered {
			continue
		}
		msgs[i].Status = domain.StatusRead
		promoted = append(promoted, msgs[i])
	}
	r.mu.Unlock()

	for _, m := range promoted {
		r.events.Emit(bus.Event{Topic: bus.TopicMessageUpdated, Payload: bus.MessageEvent{ConversationID: conversationID, Message: m}})
	}
}

// Messages returns a copy of the conversation's visible sequence.
func (r *Reconciler) Messages(conversationID string) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.convs[conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Conversations returns the ids of conversations with at least one message.
func (r *Reconciler) Conversations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.convs))
	for id := range r.convs {
		out = append(out, id)
	}
	return out
}
