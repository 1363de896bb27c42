package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"heartline/internal/domain"
)

func testBusLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBus_EmitAndReceive(t *testing.T) {
	b := New(testBusLogger())

	var received int32
	b.On(TopicMessageAppended, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	b.Emit(Event{Topic: TopicMessageAppended, Payload: MessageEvent{ConversationID: "c1"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestBus_TypedPayload(t *testing.T) {
	b := New(testBusLogger())

	var got PresenceEvent
	b.On(TopicPresenceChanged, func(e Event) {
		got = e.Payload.(PresenceEvent)
	})

	b.Emit(Event{Topic: TopicPresenceChanged, Payload: PresenceEvent{UserID: "u1", Online: true}})

	if got.UserID != "u1" || !got.Online {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestBus_WildcardHandler(t *testing.T) {
	b := New(testBusLogger())

	var count int32
	b.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	b.Emit(Event{Topic: TopicPresenceChanged})
	b.Emit(Event{Topic: TopicTypingChanged})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestBus_Off(t *testing.T) {
	b := New(testBusLogger())

	var count int32
	id := b.On(TopicMessageUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	b.Emit(Event{Topic: TopicMessageUpdated})
	b.Off(TopicMessageUpdated, id)
	b.Emit(Event{Topic: TopicMessageUpdated})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestBus_OffAfterChurnKeepsOtherHandlers(t *testing.T) {
	b := New(testBusLogger())

	var aCount, bCount, cCount int32
	idA := b.On(TopicMessageAppended, func(e Event) { atomic.AddInt32(&aCount, 1) })
	idB := b.On(TopicMessageAppended, func(e Event) { atomic.AddInt32(&bCount, 1) })

	// Churn: remove the first handler, then register a third one. The
	// new handler's ID must not collide with the surviving one.
	b.Off(TopicMessageAppended, idA)
	idC := b.On(TopicMessageAppended, func(e Event) { atomic.AddInt32(&cCount, 1) })
	if idC == idB {
		t.Fatalf("handler ID reused after churn: %q", idC)
	}

	b.Off(TopicMessageAppended, idC)
	b.Emit(Event{Topic: TopicMessageAppended})

	if atomic.LoadInt32(&bCount) != 1 {
		t.Errorf("surviving handler detached by another handler's unsubscribe: fired %d times", bCount)
	}
	if atomic.LoadInt32(&cCount) != 0 {
		t.Errorf("unsubscribed handler still fired %d times", cCount)
	}
	if atomic.LoadInt32(&aCount) != 0 {
		t.Errorf("removed handler fired %d times", aCount)
	}
}

func TestBus_Replay(t *testing.T) {
	b := New(testBusLogger())

	b.Emit(Event{Topic: TopicMessageAppended})
	b.Emit(Event{Topic: TopicPresenceChanged})
	b.Emit(Event{Topic: TopicMessageAppended})

	events := b.Replay(TopicMessageAppended, time.Time{})
	if len(events) != 2 {
		t.Errorf("expected 2 message events, got %d", len(events))
	}

	allEvents := b.Replay("*", time.Time{})
	if len(allEvents) != 3 {
		t.Errorf("expected 3 total events, got %d", len(allEvents))
	}
}

func TestBus_ReplaySince(t *testing.T) {
	b := New(testBusLogger())

	b.Emit(Event{Topic: TopicConnState, Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	b.Emit(Event{Topic: TopicConnState, Payload: ConnStateEvent{State: domain.StateConnected}})

	events := b.Replay("*", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestBus_HistoryLimit(t *testing.T) {
	b := New(testBusLogger())
	b.maxHistory = 5

	for i := 0; i < 10; i++ {
		b.Emit(Event{Topic: TopicTypingChanged})
	}

	if b.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", b.HistoryLen())
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	b := New(testBusLogger())

	b.On(TopicMessageAppended, func(e Event) {
		panic("subscriber bug")
	})

	// Should not panic the publisher
	b.Emit(Event{Topic: TopicMessageAppended})
}

func TestBus_MultipleHandlers(t *testing.T) {
	b := New(testBusLogger())

	var count int32
	b.On(TopicTypingChanged, func(e Event) { atomic.AddInt32(&count, 1) })
	b.On(TopicTypingChanged, func(e Event) { atomic.AddInt32(&count, 1) })
	b.On(TopicTypingChanged, func(e Event) { atomic.AddInt32(&count, 1) })

	b.Emit(Event{Topic: TopicTypingChanged})

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers called, got %d", count)
	}
}

func TestBus_TimestampAutoSet(t *testing.T) {
	b := New(testBusLogger())

	before := time.Now()
	b.Emit(Event{Topic: TopicConnState})

	events := b.Replay(TopicConnState, before.Add(-time.Second))
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
