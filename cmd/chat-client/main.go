// chat-client is a line-oriented terminal client for the messaging service.
//
// Lines starting with a slash are commands; anything else is sent to the
// active conversation:
//
//	/join <conversationId>       join and switch to a conversation
//	/to <userId> <text>          first message to a user, opens the conversation
//	/retry <tempId>              resend a failed message
//	/retryto <userId> <tempId>   resend a failed first message to a user
//	/watch <userId>...           follow presence of users
//	/history                     print the active conversation
//	/quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"messaging-service/internal/auth"
	"messaging-service/internal/client"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		wsURL        string
		apiURL       string
		token        string
		devSecret    string
		devUser      int64
		conversation int64
		watch        []int64
		env          string
	)

	flagSet := pflag.NewFlagSet("chat-client", pflag.ContinueOnError)
	flagSet.StringVar(&wsURL, "url", "ws://localhost:8083/ws", "websocket endpoint")
	flagSet.StringVar(&apiURL, "api", "http://localhost:8083", "REST base URL for history and send fallback")
	flagSet.StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "bearer token")
	flagSet.StringVar(&devSecret, "dev-secret", "", "mint a token locally with this JWT secret")
	flagSet.Int64Var(&devUser, "dev-user", 0, "user id for --dev-secret")
	flagSet.Int64Var(&conversation, "conversation", 0, "conversation to join on start")
	flagSet.Int64SliceVar(&watch, "watch", nil, "user ids to follow presence of")
	flagSet.StringVar(&env, "env", "development", "logging environment")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if devSecret != "" {
		if devUser <= 0 {
			return errors.New("--dev-user is required with --dev-secret")
		}
		minted, err := auth.NewJWTAuth(devSecret, "").Issue(devUser, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		token = minted
	}
	if token == "" {
		return errors.New("--token or --dev-secret is required")
	}

	logger, err := observability.NewLogger(env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui := &terminal{out: os.Stdout}
	c := client.New(client.Config{
		URL:     wsURL,
		BaseURL: apiURL,
		Token:   token,
		Logger:  logger,
		Callbacks: client.Callbacks{
			OnState:        ui.state,
			OnMessages:     ui.messages,
			OnDraft:        ui.drafts,
			OnTyping:       ui.typing,
			OnPresence:     ui.presence,
			OnConversation: ui.conversation,
		},
	})
	ui.client = c
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, client.ErrNotAuthenticated) {
			return err
		}
		logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}
	if len(watch) > 0 {
		if err := c.WatchPresence(watch...); err != nil {
			logger.Warn("watch presence failed", zap.Error(err))
		}
	}
	if conversation > 0 {
		if err := ui.join(ctx, conversation); err != nil {
			ui.printf("join %d: %v", conversation, err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := ui.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

type terminal struct {
	client *client.Client
	out    *os.File

	mu     sync.Mutex
	active *client.Channel
	shown  map[string]models.Status
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/join":
		id, err := argID(fields, 1)
		if err != nil {
			t.printf("usage: /join <conversationId>")
			return false
		}
		if err := t.join(ctx, id); err != nil {
			t.printf("join %d: %v", id, err)
		}
	case "/to":
		id, err := argID(fields, 1)
		if err != nil || len(fields) < 3 {
			t.printf("usage: /to <userId> <text>")
			return false
		}
		ch, _, err := t.client.SendTo(ctx, id, strings.Join(fields[2:], " "))
		if err != nil {
			t.printf("send failed: %v (use /retryto)", err)
			return false
		}
		t.activate(ch)
	case "/retryto":
		id, err := argID(fields, 1)
		if err != nil || len(fields) < 3 {
			t.printf("usage: /retryto <userId> <tempId>")
			return false
		}
		ch, _, err := t.client.RetryTo(ctx, id, fields[2])
		if err != nil {
			t.printf("retry: %v", err)
			return false
		}
		t.activate(ch)
	case "/retry":
		ch := t.current()
		if ch == nil || len(fields) < 2 {
			t.printf("usage: /retry <tempId> in a joined conversation")
			return false
		}
		if _, err := ch.Retry(ctx, fields[1]); err != nil {
			t.printf("retry: %v", err)
		}
	case "/watch":
		var ids []int64
		for i := 1; i < len(fields); i++ {
			if id, err := argID(fields, i); err == nil {
				ids = append(ids, id)
			}
		}
		if err := t.client.WatchPresence(ids...); err != nil {
			t.printf("watch: %v", err)
		}
	case "/history":
		if ch := t.current(); ch != nil {
			for _, e := range ch.Entries() {
				t.printf("%s", formatEntry(e))
			}
		}
	default:
		t.printf("unknown command %s", fields[0])
	}
	return false
}

func (t *terminal) join(ctx context.Context, conversationID int64) error {
	ch, err := t.client.Join(ctx, conversationID)
	if err != nil {
		return err
	}
	t.activate(ch)
	return nil
}

func (t *terminal) activate(ch *client.Channel) {
	t.mu.Lock()
	prev := t.active
	t.active = ch
	t.mu.Unlock()
	if prev != nil && prev != ch {
		prev.SetForeground(false)
	}
	ch.SetForeground(true)
	t.printf("-- conversation %d", ch.ID())
}

func (t *terminal) current() *client.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *terminal) send(ctx context.Context, text string) {
	ch := t.current()
	if ch == nil {
		t.printf("join a conversation first")
		return
	}
	ch.InputChanged("")
	if _, err := ch.Send(ctx, text); err != nil {
		t.printf("send failed: %v (use /retry)", err)
	}
}

func (t *terminal) state(s client.State) {
	t.printf("-- %s", s)
}

// messages prints entries whose status changed since they were last shown.
func (t *terminal) messages(conversationID int64, entries []client.Entry) {
	ch := t.current()
	if ch == nil || ch.ID() != conversationID {
		return
	}
	t.mu.Lock()
	if t.shown == nil {
		t.shown = make(map[string]models.Status)
	}
	var lines []string
	for _, e := range entries {
		key := e.TempID
		if e.ID != 0 {
			key = strconv.FormatInt(e.ID, 10)
		}
		if t.shown[key] == e.Status {
			continue
		}
		t.shown[key] = e.Status
		lines = append(lines, formatEntry(e))
	}
	t.mu.Unlock()

	for _, line := range lines {
		t.printf("%s", line)
	}
}

func (t *terminal) drafts(recipientID int64, entries []client.Entry) {
	for _, e := range entries {
		t.printf("-> user %d %s", recipientID, formatEntry(e))
	}
}

func (t *terminal) typing(conversationID, userID int64, typing bool) {
	if typing {
		t.printf("-- user %d is typing in %d", userID, conversationID)
	}
}

func (t *terminal) presence(p models.Presence) {
	if p.IsOnline {
		t.printf("-- user %d online", p.UserID)
		return
	}
	if p.LastSeenAt != nil {
		t.printf("-- user %d offline, last seen %s", p.UserID, p.LastSeenAt.Local().Format(time.Kitchen))
		return
	}
	t.printf("-- user %d offline", p.UserID)
}

func (t *terminal) conversation(conversationID, senderID int64) {
	t.printf("-- user %d started conversation %d (/join %d)", senderID, conversationID, conversationID)
}

func formatEntry(e client.Entry) string {
	at := e.LocalAt
	if e.Confirmed() {
		at = e.CreatedAt
	}
	ref := e.TempID
	if e.ID != 0 {
		ref = strconv.FormatInt(e.ID, 10)
	}
	return fmt.Sprintf("[%s] %d: %s (%s, %s)", at.Local().Format(time.Kitchen), e.SenderID, e.Content, e.Status, ref)
}

func argID(fields []string, i int) (int64, error) {
	if i >= len(fields) {
		return 0, errors.New("missing id")
	}
	return strconv.ParseInt(fields[i], 10, 64)
}
