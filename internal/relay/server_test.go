package relay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"heartline/internal/store"
	"heartline/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewServer(Config{Store: st, Logger: logger})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

type testClient struct {
	conn   *websocket.Conn
	frames chan wire.Frame
}

func dialClient(t *testing.T, ts *httptest.Server, user string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	c := &testClient{conn: conn, frames: make(chan wire.Frame, 16)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(c.frames)
				return
			}
			if f, err := wire.Decode(data); err == nil {
				c.frames <- f
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

// next waits for the first frame matching the predicate, skipping others.
func (c *testClient) next(t *testing.T, match func(wire.Frame) bool) wire.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				t.Fatal("connection closed while waiting for frame")
			}
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("expected frame never arrived")
		}
	}
}

func (c *testClient) send(t *testing.T, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func postMessage(t *testing.T, ts *httptest.Server, conv, sender, key string, body map[string]string) (*http.Response, messageResponse) {
	t.Helper()
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/conversations/"+conv+"/messages", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", sender)
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rec messageResponse
	json.NewDecoder(resp.Body).Decode(&rec)
	return resp, rec
}

func TestCreateMessage_FansOutToBothParticipants(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialClient(t, ts, "alice")
	bob := dialClient(t, ts, "bob")

	resp, rec := postMessage(t, ts, "c1", "alice", "local-1", map[string]string{"content": "hello", "receiverId": "bob"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if rec.ID == "" || rec.SenderID != "alice" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	isNew := func(f wire.Frame) bool { return f.Type == wire.TypeNewMessage }
	got := bob.next(t, isNew)
	if got.ID != rec.ID || got.Content != "hello" || got.SenderID != "alice" {
		t.Errorf("receiver got wrong frame: %+v", got)
	}
	echo := alice.next(t, isNew)
	if echo.ID != rec.ID {
		t.Errorf("sender echo has wrong id: %+v", echo)
	}
}

func TestCreateMessage_IdempotentReplay(t *testing.T) {
	_, ts := newTestServer(t)

	resp1, rec1 := postMessage(t, ts, "c1", "alice", "local-dup", map[string]string{"content": "once", "receiverId": "bob"})
	resp2, rec2 := postMessage(t, ts, "c1", "alice", "local-dup", map[string]string{"content": "once", "receiverId": "bob"})

	if resp1.StatusCode != http.StatusCreated || resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 201 then 200, got %d and %d", resp1.StatusCode, resp2.StatusCode)
	}
	if rec1.ID != rec2.ID {
		t.Errorf("replay created a second record: %q vs %q", rec1.ID, rec2.ID)
	}
}

func TestCreateMessage_Validation(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := postMessage(t, ts, "c1", "", "", map[string]string{"content": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing sender: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = postMessage(t, ts, "c1", "alice", "", map[string]string{"receiverId": "bob"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content: expected 400, got %d", resp.StatusCode)
	}
}

func TestListMessages(t *testing.T) {
	_, ts := newTestServer(t)

	postMessage(t, ts, "c1", "alice", "k1", map[string]string{"content": "one", "receiverId": "bob"})
	postMessage(t, ts, "c1", "bob", "k2", map[string]string{"content": "two", "receiverId": "alice"})
	postMessage(t, ts, "c2", "alice", "k3", map[string]string{"content": "elsewhere", "receiverId": "bob"})

	resp, err := http.Get(ts.URL + "/conversations/c1/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Messages []messageResponse `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 2 || out.Messages[0].Content != "one" || out.Messages[1].Content != "two" {
		t.Errorf("unexpected history: %+v", out.Messages)
	}
}

func TestWS_RequiresUser(t *testing.T) {
	_, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected upgrade to fail without user")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	}
}

func TestPresence_BroadcastAndSnapshot(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialClient(t, ts, "alice")
	bob := dialClient(t, ts, "bob")

	// Alice hears bob come online; bob gets alice in his snapshot.
	f := alice.next(t, func(f wire.Frame) bool { return f.Type == wire.TypePresence && f.UserID == "bob" })
	if !f.Online {
		t.Errorf("expected bob online, got %+v", f)
	}
	f = bob.next(t, func(f wire.Frame) bool { return f.Type == wire.TypePresence && f.UserID == "alice" })
	if !f.Online {
		t.Errorf("expected alice in snapshot, got %+v", f)
	}

	bob.conn.Close()
	f = alice.next(t, func(f wire.Frame) bool {
		return f.Type == wire.TypePresence && f.UserID == "bob" && !f.Online
	})
	if f.Online {
		t.Errorf("expected bob offline, got %+v", f)
	}
}

func TestTyping_ForwardedToReceiver(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialClient(t, ts, "alice")
	bob := dialClient(t, ts, "bob")

	alice.send(t, wire.Frame{Type: wire.TypeTyping, ReceiverID: "bob", IsTyping: true})

	f := bob.next(t, func(f wire.Frame) bool { return f.Type == wire.TypeTyping })
	if f.UserID != "alice" || !f.IsTyping {
		t.Errorf("unexpected typing frame: %+v", f)
	}
}

func TestReadReceipt_ForwardedToSender(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialClient(t, ts, "alice")
	bob := dialClient(t, ts, "bob")

	// Bob read alice's messages in c1.
	bob.send(t, wire.Frame{Type: wire.TypeReadReceipt, ConversationID: "c1", SenderID: "alice"})

	f := alice.next(t, func(f wire.Frame) bool { return f.Type == wire.TypeReadReceipt })
	if f.ConversationID != "c1" || f.SenderID != "alice" {
		t.Errorf("unexpected receipt frame: %+v", f)
	}
}

func TestPushPathMessage_AckAndFanOut(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialClient(t, ts, "alice")
	bob := dialClient(t, ts, "bob")

	alice.send(t, wire.Frame{Type: wire.TypeMessage, ConversationID: "c1", ReceiverID: "bob", Content: "over the socket"})

	alice.next(t, func(f wire.Frame) bool { return f.Type == wire.TypeAck })
	got := bob.next(t, func(f wire.Frame) bool { return f.Type == wire.TypeNewMessage })
	if got.Content != "over the socket" || got.SenderID != "alice" {
		t.Errorf("unexpected frame: %+v", got)
	}
}

func TestMalformedFrame_Ignored(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialClient(t, ts, "alice")
	bob := dialClient(t, ts, "bob")

	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	// Connection must survive; a real frame still routes.
	alice.send(t, wire.Frame{Type: wire.TypeTyping, ReceiverID: "bob", IsTyping: true})
	bob.next(t, func(f wire.Frame) bool { return f.Type == wire.TypeTyping })
}
