package wire

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecode_NewMessage(t *testing.T) {
	raw := `{"type":"newMessage","id":"42","conversationId":"c1","senderId":"a","content":"hi","createdAt":"2026-01-02T15:04:05Z"}`
	f, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeNewMessage || f.ID != "42" || f.Content != "hi" {
		t.Errorf("unexpected frame: %+v", f)
	}
	if f.CreatedAt.IsZero() {
		t.Error("createdAt should be parsed")
	}
}

func TestDecode_Presence(t *testing.T) {
	f, err := Decode([]byte(`{"type":"presence","userId":"b","online":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.UserID != "b" || !f.Online {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestDecode_NotJSON(t *testing.T) {
	_, err := Decode([]byte("definitely not json"))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"content":"hello"}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if !strings.Contains(de.Error(), "missing type") {
		t.Errorf("unexpected reason: %v", de)
	}
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	f, err := Decode([]byte(`{"type":"somethingFromTheFuture","payload":"x"}`))
	if err != nil {
		t.Fatalf("unknown types must decode cleanly: %v", err)
	}
	if Known(f.Type) {
		t.Errorf("type %q should not be known", f.Type)
	}
}

func TestKnown_AllTypes(t *testing.T) {
	for _, typ := range []string{TypeMessage, TypeTyping, TypeReadReceipt, TypeNewMessage, TypePresence, TypeAck} {
		if !Known(typ) {
			t.Errorf("type %q should be known", typ)
		}
	}
}

func TestEncode_Typing(t *testing.T) {
	data, err := Encode(Frame{Type: TypeTyping, ReceiverID: "b", IsTyping: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode back: %v", err)
	}
	if f.Type != TypeTyping || f.ReceiverID != "b" || !f.IsTyping {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestEncode_FalseFlagsStayOnTheWire(t *testing.T) {
	// Typing-stop and offline frames must carry their flag explicitly;
	// consumers in other languages should not have to infer absence.
	data, err := Encode(Frame{Type: TypeTyping, ReceiverID: "b", IsTyping: false})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"isTyping":false`) {
		t.Errorf("typing stop must be explicit: %s", data)
	}

	data, err = Encode(Frame{Type: TypePresence, UserID: "b", Online: false})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"online":false`) {
		t.Errorf("offline must be explicit: %s", data)
	}
}

func TestEncode_MissingType(t *testing.T) {
	if _, err := Encode(Frame{Content: "hi"}); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

func TestEncode_OmitsEmptyFields(t *testing.T) {
	data, err := Encode(Frame{Type: TypeAck})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), "conversationId") || strings.Contains(string(data), "createdAt") {
		t.Errorf("empty fields should be omitted: %s", data)
	}
}

func TestEncode_ZeroTimeOmitted(t *testing.T) {
	data, err := Encode(Frame{Type: TypeMessage, ConversationID: "c1", Content: "x", CreatedAt: time.Time{}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), "createdAt") {
		t.Errorf("zero createdAt should be omitted: %s", data)
	}
}
