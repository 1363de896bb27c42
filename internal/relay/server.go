// Package relay is the reference backend the messaging core talks to:
// a REST endpoint for durable message creation and a websocket push
// endpoint that fans out newMessage, presence, typing, and read-receipt
// frames. Production deployments run their own backend; this one exists
// so the whole system can run end to end from this repository.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"heartline/internal/metrics"
	"heartline/internal/store"
	"heartline/internal/wire"
)

// Config configures the relay server.
type Config struct {
	Host   string
	Port   int
	Store  *store.SQLiteStore
	Logger *slog.Logger
}

// Server serves the relay's HTTP and websocket endpoints.
type Server struct {
	addr     string
	store    *store.SQLiteStore
	hub      *Hub
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader
}

// NewServer creates a relay server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		store:  cfg.Store,
		hub:    NewHub(cfg.Logger),
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", metrics.Collector.Handler())
	r.Get("/ws", s.handleWS)
	r.Route("/conversations/{conversationID}/messages", func(r chi.Router) {
		r.Post("/", s.handleCreateMessage)
		r.Get("/", s.handleListMessages)
	})
	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then drains connections and
// shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS upgrades the push connection and pumps inbound frames. The
// user query parameter identifies the connection; there is at most one
// live connection per identity.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := s.hub.Register(userID, conn)
	defer s.hub.Unregister(userID, c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, derr := wire.Decode(data)
		if derr != nil {
			s.logger.Debug("discarded malformed frame", "user", userID, "err", derr)
			continue
		}
		s.routeFrame(r.Context(), userID, frame)
	}
}

// routeFrame handles one inbound push frame from userID. Unknown types
// are dropped so older servers and newer clients can coexist.
func (s *Server) routeFrame(ctx context.Context, userID string, f wire.Frame) {
	switch f.Type {
	case wire.TypeTyping:
		s.hub.SendTo(f.ReceiverID, wire.Frame{Type: wire.TypeTyping, UserID: userID, IsTyping: f.IsTyping})
	case wire.TypeReadReceipt:
		// The reader tells us whose messages were read; that identity
		// gets the receipt.
		s.hub.SendTo(f.SenderID, wire.Frame{
			Type:           wire.TypeReadReceipt,
			ConversationID: f.ConversationID,
			SenderID:       f.SenderID,
		})
	case wire.TypeMessage:
		// Push-path send. The REST endpoint is the primary write path,
		// but the protocol allows messages over the socket too.
		rec, created, err := s.saveMessage(ctx, store.MessageRecord{
			ConversationID: f.ConversationID,
			SenderID:       userID,
			ReceiverID:     f.ReceiverID,
			Content:        f.Content,
		})
		if err != nil {
			s.logger.Error("push-path message save failed", "user", userID, "err", err)
			return
		}
		s.hub.SendTo(userID, wire.Frame{Type: wire.TypeAck})
		if created {
			s.fanOut(rec)
		}
	default:
		s.logger.Debug("discarded frame", "user", userID, "type", f.Type)
	}
}

type createMessageBody struct {
	Content    string `json:"content"`
	ReceiverID string `json:"receiverId"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// handleCreateMessage is the reliable channel's write endpoint. Requests
// carrying an X-Idempotency-Key the store has already seen return the
// original record and trigger no second fan-out.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	senderID := r.Header.Get("X-User-ID")
	if senderID == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header required")
		return
	}

	var body createMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	rec, created, err := s.saveMessage(r.Context(), store.MessageRecord{
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     body.ReceiverID,
		Content:        body.Content,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	})
	if err != nil {
		s.logger.Error("message save failed", "conversation", conversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not store message")
		return
	}

	if created {
		s.fanOut(rec)
		writeJSON(w, http.StatusCreated, toResponse(rec))
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := s.store.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		s.logger.Error("message list failed", "conversation", conversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}

	out := make([]messageResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) saveMessage(ctx context.Context, rec store.MessageRecord) (store.MessageRecord, bool, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()
	return s.store.SaveMessage(ctx, rec)
}

// fanOut pushes a freshly stored message to both participants. The
// sender's copy is the echo its other sessions (and the originating
// session's reconciler) consume.
func (s *Server) fanOut(rec store.MessageRecord) {
	f := wire.Frame{
		Type:           wire.TypeNewMessage,
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		ReceiverID:     rec.ReceiverID,
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt,
	}
	if rec.ReceiverID != "" {
		s.hub.SendTo(rec.ReceiverID, f)
	}
	s.hub.SendTo(rec.SenderID, f)
}

func toResponse(rec store.MessageRecord) messageResponse {
	return messageResponse{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		ReceiverID:     rec.ReceiverID,
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
