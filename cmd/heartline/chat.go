package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"heartline/internal/bus"
	"heartline/internal/domain"
	"heartline/internal/messaging"
	"heartline/internal/persist"
	"heartline/internal/presence"
	"heartline/internal/reconcile"
	"heartline/internal/roster"
	"heartline/internal/transport"

	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	var user, to, conversation string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long:  "Connects to the backend as --user and chats 1:1 with --to. Type /help inside the session for commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || to == "" {
				return fmt.Errorf("--user and --to are required")
			}
			return runChat(user, to, conversation)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "local identity id")
	cmd.Flags().StringVarP(&to, "to", "t", "", "peer identity id")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (default: derived from the identity pair)")
	return cmd
}

// pairConversationID derives a stable conversation id for an identity
// pair, independent of who opens the session.
func pairConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "c-" + ids[0] + "-" + ids[1]
}

func runChat(user, to, conversation string) error {
	cfg := loadOrDefaults()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contacts, err := roster.LoadFromDirectory(cfg.Chat.RosterDir, logger)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}

	if conversation == "" {
		if c, ok := contacts.Get(to); ok && c.ConversationID != "" {
			conversation = c.ConversationID
		} else {
			conversation = pairConversationID(user, to)
		}
	}

	events := bus.New(logger)
	tracker := presence.New(events, cfg.Chat.TypingExpiry(), logger)
	persister := persist.NewClient(persist.Config{
		BaseURL:  cfg.Chat.ServerURL,
		Identity: user,
		Timeout:  cfg.Chat.RequestTimeout(),
		Logger:   logger,
	})
	channel := transport.New(transport.Config{
		URL:            cfg.Chat.PushURL(),
		ReconnectDelay: cfg.Chat.ReconnectDelay(),
		Logger:         logger,
	})
	facade := messaging.New(messaging.Config{
		Identity:       user,
		Channel:        channel,
		Presence:       tracker,
		Reconciler:     reconcile.New(user, persister, events, logger),
		Events:         events,
		TypingInterval: cfg.Chat.TypingStop(),
		Logger:         logger,
	})

	screen := newChatScreen(screenConfig{
		Facade:       facade,
		Contacts:     contacts,
		Self:         user,
		Peer:         to,
		Conversation: conversation,
	})

	facade.Start()
	defer facade.Close()

	return screen.run(ctx)
}

// chatScreen is a minimal terminal surface over the messaging facade: it
// renders events as they arrive and turns input lines into operations.
type chatScreen struct {
	facade       *messaging.Facade
	contacts     *roster.Roster
	self         string
	peer         string
	conversation string

	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

type screenConfig struct {
	Facade       *messaging.Facade
	Contacts     *roster.Roster
	Self         string
	Peer         string
	Conversation string
	In           io.Reader
	Out          io.Writer
}

func newChatScreen(cfg screenConfig) *chatScreen {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &chatScreen{
		facade:       cfg.Facade,
		contacts:     cfg.Contacts,
		self:         cfg.Self,
		peer:         cfg.Peer,
		conversation: cfg.Conversation,
		in:           cfg.In,
		out:          cfg.Out,
	}
}

// printLine clears the prompt, writes one line, and redraws the prompt.
func (s *chatScreen) printLine(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.out, "\r\033[K")
	fmt.Fprintf(s.out, format+"\n", args...)
	fmt.Fprint(s.out, "You> ")
}

func (s *chatScreen) run(ctx context.Context) error {
	peerName := s.contacts.DisplayName(s.peer)

	unsubMsg := s.facade.OnMessages(s.conversation, func(e bus.MessageEvent) {
		m := e.Message
		switch {
		case m.SenderID != s.self:
			s.printLine("%s: %s", s.contacts.DisplayName(m.SenderID), m.Content)
		case m.Status == domain.StatusFailed:
			s.printLine("!! message failed to send: %q", m.Content)
		case m.Status == domain.StatusRead:
			s.printLine("   (read) %q", m.Content)
		}
	})
	defer unsubMsg()

	unsubPresence := s.facade.OnPresence(func(e bus.PresenceEvent) {
		state := "offline"
		if e.Online {
			state = "online"
		}
		s.printLine("-- %s is %s", s.contacts.DisplayName(e.UserID), state)
	})
	defer unsubPresence()

	unsubTyping := s.facade.OnTyping(s.peer, func(e bus.TypingEvent) {
		if e.Typing {
			s.printLine("-- %s is typing...", peerName)
		}
	})
	defer unsubTyping()

	unsubConn := s.facade.OnConnState(func(e bus.ConnStateEvent) {
		s.printLine("-- connection: %s", e.State)
	})
	defer unsubConn()

	fmt.Fprintf(s.out, "Chatting with %s in %s. /help for commands, /quit to exit.\n", peerName, s.conversation)
	fmt.Fprint(s.out, "You> ")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil // EOF
			}
			if done := s.handle(ctx, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

// handle processes one input line; true means quit.
func (s *chatScreen) handle(ctx context.Context, line string) bool {
	switch {
	case line == "":
		fmt.Fprint(s.out, "You> ")
		return false
	case line == "/quit" || line == "/exit" || line == "/q":
		return true
	case line == "/help":
		s.printLine("commands: /who  /typing  /read  /quit")
		return false
	case line == "/who":
		online := s.facade.Online()
		if len(online) == 0 {
			s.printLine("-- nobody online")
			return false
		}
		names := make([]string, len(online))
		for i, id := range online {
			names[i] = s.contacts.DisplayName(id)
		}
		s.printLine("-- online: %s", strings.Join(names, ", "))
		return false
	case line == "/typing":
		s.facade.SendTyping(s.peer, true)
		fmt.Fprint(s.out, "You> ")
		return false
	case line == "/read":
		s.facade.SendReadReceipt(s.conversation, s.peer)
		fmt.Fprint(s.out, "You> ")
		return false
	case strings.HasPrefix(line, "/"):
		s.printLine("-- unknown command %q", line)
		return false
	}

	// Plain text: optimistic send. Failure surfaces through the message
	// update subscription, so nothing to report here.
	go func() {
		_, _ = s.facade.Send(ctx, s.conversation, s.peer, line)
	}()
	fmt.Fprint(s.out, "You> ")
	return false
}
