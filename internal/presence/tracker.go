// Package presence maintains the set of online identities and the set of
// currently-typing identities, fed by inbound push frames.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"heartline/internal/bus"
)

// Tracker holds presence and typing state for remote identities.
// Membership changes are idempotent: re-adding a present id or removing
// an absent one emits nothing.
//
// Online membership is never time-limited here; only an explicit offline
// signal removes it. Typing membership can optionally carry a defensive
// local expiry (typingTTL > 0) so a lost typing-stop frame cannot leave
// an indicator stuck forever.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	typing map[string]*time.Timer

	typingTTL time.Duration
	events    *bus.Bus
	logger    *slog.Logger
}

// New creates a Tracker. typingTTL of zero disables the defensive expiry
// for remotely-observed typing state.
func New(events *bus.Bus, typingTTL time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		online:    make(map[string]struct{}),
		typing:    make(map[string]*time.Timer),
		typingTTL: typingTTL,
		events:    events,
		logger:    logger,
	}
}

// SetOnline toggles id's online membership.
func (t *Tracker) SetOnline(id string, online bool) {
	if id == "" {
		return
	}

	t.mu.Lock()
	_, present := t.online[id]
	if online == present {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[id] = struct{}{}
	} else {
		delete(t.online, id)
	}
	t.mu.Unlock()

	t.logger.Debug("presence changed", "user", id, "online", online)
	t.events.Emit(bus.Event{Topic: bus.TopicPresenceChanged, Payload: bus.PresenceEvent{UserID: id, Online: online}})
}

// SetTyping toggles id's typing membership. A typing-stop removes the
// membership immediately; a typing-start (re)arms the defensive expiry
// timer when one is configured.
func (t *Tracker) SetTyping(id string, typing bool) {
	if id == "" {
		return
	}

	t.mu.Lock()
	timer, present := t.typing[id]
	if typing == present {
		if typing && timer != nil {
			timer.Reset(t.typingTTL)
		}
		t.mu.Unlock()
		return
	}
	if typing {
		var expiry *time.Timer
		if t.typingTTL > 0 {
			expiry = time.AfterFunc(t.typingTTL, func() {
				t.logger.Debug("typing state expired locally", "user", id)
				t.SetTyping(id, false)
			})
		}
		t.typing[id] = expiry
	} else {
		if timer != nil {
			timer.Stop()
		}
		delete(t.typing, id)
	}
	t.mu.Unlock()

	t.logger.Debug("typing changed", "user", id, "typing", typing)
	t.events.Emit(bus.Event{Topic: bus.TopicTypingChanged, Payload: bus.TypingEvent{UserID: id, Typing: typing}})
}

// IsOnline reports whether id is currently online.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// IsTyping reports whether id is currently typing.
func (t *Tracker) IsTyping(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.typing[id]
	return ok
}

// Online returns the sorted list of online identity ids.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops any pending typing-expiry timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.typing {
		if timer != nil {
			timer.Stop()
		}
		delete(t.typing, id)
	}
}
