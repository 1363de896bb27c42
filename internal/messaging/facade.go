// Package messaging is the single public surface screens consume: send
// messages, signal typing, send read receipts, query presence, and
// subscribe to changes. It composes the transport, codec, presence, and
// reconciliation layers and adds no business logic of its own.
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"heartline/internal/bus"
	"heartline/internal/domain"
	"heartline/internal/presence"
	"heartline/internal/reconcile"
	"heartline/internal/transport"
	"heartline/internal/wire"
)

// typingInterval is how long a local typing signal stays fresh before a
// typing-stopped signal is sent outward.
const typingInterval = 2 * time.Second

// PushChannel is the duplex connection the facade drives. Satisfied by
// *transport.Manager.
type PushChannel interface {
	Connect(identityID string)
	Disconnect()
	Send(f wire.Frame) error
	OnFrame(h transport.FrameHandler)
	OnStateChange(fn func(domain.ConnState))
	Status() domain.ConnState
}

// Config wires a Facade.
type Config struct {
	Identity       string
	Channel        PushChannel
	Presence       *presence.Tracker
	Reconciler     *reconcile.Reconciler
	Events         *bus.Bus
	TypingInterval time.Duration
	Logger         *slog.Logger
}

// Facade is the messaging core's external interface.
type Facade struct {
	self     string
	channel  PushChannel
	presence *presence.Tracker
	rec      *reconcile.Reconciler
	events   *bus.Bus
	logger   *slog.Logger

	typingMu   sync.Mutex
	typingStop map[string]*time.Timer
	interval   time.Duration
}

// New creates a Facade and registers it as the push channel's dispatcher.
func New(cfg Config) *Facade {
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = typingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Facade{
		self:       cfg.Identity,
		channel:    cfg.Channel,
		presence:   cfg.Presence,
		rec:        cfg.Reconciler,
		events:     cfg.Events,
		logger:     cfg.Logger,
		typingStop: make(map[string]*time.Timer),
		interval:   cfg.TypingInterval,
	}
	f.channel.OnFrame(f.dispatch)
	f.channel.OnStateChange(func(s domain.ConnState) {
		f.events.Emit(bus.Event{Topic: bus.TopicConnState, Payload: bus.ConnStateEvent{State: s}})
	})
	return f
}

// Start brings the push channel up for the facade's identity.
func (f *Facade) Start() { f.channel.Connect(f.self) }

// Close tears everything down: pending typing timers, the push channel,
// and the presence tracker. In-flight persist requests are left to
// resolve on their own.
func (f *Facade) Close() {
	f.typingMu.Lock()
	for id, timer := range f.typingStop {
		timer.Stop()
		delete(f.typingStop, id)
	}
	f.typingMu.Unlock()

	f.channel.Disconnect()
	f.presence.Close()
}

// Status returns the push channel state.
func (f *Facade) Status() domain.ConnState { return f.channel.Status() }

// dispatch routes one decoded inbound frame to its owner.
func (f *Facade) dispatch(frame wire.Frame) {
	switch frame.Type {
	case wire.TypeNewMessage:
		f.rec.ApplyNewMessage(frame)
	case wire.TypePresence:
		f.presence.SetOnline(frame.UserID, frame.Online)
	case wire.TypeTyping:
		f.presence.SetTyping(frame.UserID, frame.IsTyping)
	case wire.TypeReadReceipt:
		f.rec.ApplyReadReceipt(frame.ConversationID, frame.SenderID)
	case wire.TypeAck:
		// Status-only; the protocol carries no correlation id on acks.
		f.logger.Debug("ack received")
	default:
		f.logger.Debug("ignored inbound frame", "type", frame.Type)
	}
}

// Send persists one message and returns its record. The optimistic entry
// is visible to subscribers before this call returns; on error the entry
// stays with status Failed so the caller can offer a retry.
func (f *Facade) Send(ctx context.Context, conversationID, receiverID, content string) (domain.Message, error) {
	return f.rec.Send(ctx, conversationID, receiverID, content)
}

// SendTyping signals typing state to the receiver, best effort. A start
// signal arms a countdown that re-sends a stop once the local signal
// goes stale; calling again while typing refreshes the countdown.
func (f *Facade) SendTyping(receiverID string, typing bool) {
	if err := f.channel.Send(wire.Frame{Type: wire.TypeTyping, ReceiverID: receiverID, IsTyping: typing}); err != nil {
		f.logger.Debug("typing signal dropped", "receiver", receiverID, "err", err)
	}

	f.typingMu.Lock()
	defer f.typingMu.Unlock()
	if timer, ok := f.typingStop[receiverID]; ok {
		timer.Stop()
		delete(f.typingStop, receiverID)
	}
	if typing {
		f.typingStop[receiverID] = time.AfterFunc(f.interval, func() {
			f.SendTyping(receiverID, false)
		})
	}
}

// SendReadReceipt tells the backend that senderID's messages in the
// conversation have been read. Best effort over the push channel.
func (f *Facade) SendReadReceipt(conversationID, senderID string) {
	err := f.channel.Send(wire.Frame{Type: wire.TypeReadReceipt, ConversationID: conversationID, SenderID: senderID})
	if err != nil {
		f.logger.Debug("read receipt dropped", "conversation", conversationID, "err", err)
	}
}

// IsOnline reports whether id is online.
func (f *Facade) IsOnline(id string) bool { return f.presence.IsOnline(id) }

// IsTyping reports whether id is typing.
func (f *Facade) IsTyping(id string) bool { return f.presence.IsTyping(id) }

// Online returns the sorted list of online identities.
func (f *Facade) Online() []string { return f.presence.Online() }

// Messages returns a copy of the conversation's visible sequence.
func (f *Facade) Messages(conversationID string) []domain.Message {
	return f.rec.Messages(conversationID)
}

// --- Subscriptions ---
// Each returns an unsubscribe func. Handlers run synchronously on the
// dispatching goroutine; keep them fast.

// OnMessages subscribes to appends and in-place updates of the given
// conversation's message list. An empty conversationID means all
// conversations.
func (f *Facade) OnMessages(conversationID string, h func(bus.MessageEvent)) func() {
	wrap := func(e bus.Event) {
		me, ok := e.Payload.(bus.MessageEvent)
		if !ok {
			return
		}
		if conversationID != "" && me.ConversationID != conversationID {
			return
		}
		h(me)
	}
	appended := f.events.On(bus.TopicMessageAppended, wrap)
	updated := f.events.On(bus.TopicMessageUpdated, wrap)
	return func() {
		f.events.Off(bus.TopicMessageAppended, appended)
		f.events.Off(bus.TopicMessageUpdated, updated)
	}
}

// OnPresence subscribes to online/offline changes.
func (f *Facade) OnPresence(h func(bus.PresenceEvent)) func() {
	id := f.events.On(bus.TopicPresenceChanged, func(e bus.Event) {
		if pe, ok := e.Payload.(bus.PresenceEvent); ok {
			h(pe)
		}
	})
	return func() { f.events.Off(bus.TopicPresenceChanged, id) }
}

// OnTyping subscribes to typing changes for one identity. An empty
// userID means all identities.
func (f *Facade) OnTyping(userID string, h func(bus.TypingEvent)) func() {
	id := f.events.On(bus.TopicTypingChanged, func(e bus.Event) {
		te, ok := e.Payload.(bus.TypingEvent)
		if !ok {
			return
		}
		if userID != "" && te.UserID != userID {
			return
		}
		h(te)
	})
	return func() { f.events.Off(bus.TopicTypingChanged, id) }
}

// OnConnState subscribes to push-channel state transitions.
func (f *Facade) OnConnState(h func(bus.ConnStateEvent)) func() {
	id := f.events.On(bus.TopicConnState, func(e bus.Event) {
		if ce, ok := e.Payload.(bus.ConnStateEvent); ok {
			h(ce)
		}
	})
	return func() { f.events.Off(bus.TopicConnState, id) }
}
