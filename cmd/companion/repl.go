package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/whisper/companion/internal/app"
	"github.com/whisper/companion/internal/authgate"
	"github.com/whisper/companion/internal/chatlist"
	"github.com/whisper/companion/internal/client"
	"github.com/whisper/companion/internal/protocol"
)

const help = `commands:
  /chats            show the chat list
  /open <n|id>      open a conversation
  /older            load older messages
  /draft <text>     type without sending
  /home             leave the chat area
  /admin            visit the protected area
  /login <token>    sign in
  /logout           sign out
  /quit             exit
anything else is sent to the open conversation`

func run(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := client.DefaultConfig()
	cfg.URL = viper.GetString("url")
	c := client.New(cfg, chatlist.NewInbox(), logger)

	acfg := app.DefaultConfig()
	acfg.Token = viper.GetString("token")
	a := app.New(acfg, c, app.WithLogger(logger))
	defer a.Close()

	r := &repl{app: a, client: c, out: cmd.OutOrStdout(), logger: logger}
	r.watch()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(r.out, "! %v\n", err)
	}
	r.status()
	fmt.Fprintln(r.out, help)
	return r.loop(ctx, os.Stdin)
}

type repl struct {
	app    *app.App
	client *client.Client
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// watch prints pushes: inbox changes while on the chat list, incoming
// messages, the partner's typing indicator and the sign-in popup.
func (r *repl) watch() {
	r.app.Inbox().Subscribe(func(list []chatlist.Summary) {
		if r.app.Conversation() == nil && strings.HasPrefix(r.app.Route.Get(), app.ChatsPath) {
			r.printf("%s", formatInbox(list))
		}
	})
	r.client.On(protocol.TypeMessage, func(msg interface{}) {
		m, ok := msg.(protocol.ServerChatMsg)
		if !ok {
			return
		}
		if cv := r.app.Conversation(); cv != nil && cv.ChatID() == m.ChatID {
			r.printf("%s  %s: %s\n", clockTime(m.Ts), m.From, m.Text)
		}
	})
	r.app.OnConversation(func(cv *app.Conversation) {
		r.printf("-- %s --\n", cv.ChatID())
		for _, m := range cv.Messages() {
			r.printf("%s  %s: %s\n", clockTime(m.Ts), m.From, m.Text)
		}
		cv.Partner().Subscribe(func(p app.PartnerTyping) {
			if p.Typing {
				r.printf("  (%s is typing...)\n", p.From)
			}
		})
	})
	r.app.UI.Subscribe(func(ui authgate.UIState) {
		if ui.AuthPopupOpen {
			r.printf("sign-in required: /login <token>\n")
		}
	})
}

func (r *repl) status() {
	auth := r.app.Auth.Get()
	switch {
	case auth.Authenticated:
		r.printf("signed in as %s\n", auth.UserID)
	case r.client.Connected():
		r.printf("connected, not signed in\n")
	default:
		r.printf("offline\n")
	}
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if quit := r.handle(ctx, sc.Text()); quit {
			return nil
		}
	}
	return sc.Err()
}

// handle runs one input line and reports whether to exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, arg := parseLine(line)
	switch cmd {
	case "":
		return false
	case "quit":
		return true
	case "help":
		r.printf("%s\n", help)
	case "chats":
		r.app.Navigate(app.ChatsPath)
		r.printf("%s", formatInbox(r.app.Inbox().List()))
	case "home":
		r.app.Navigate(app.HomePath)
	case "admin":
		r.app.Navigate(authgate.DefaultProtectedPrefix)
	case "open":
		r.open(arg)
	case "older":
		cv := r.app.Conversation()
		if cv == nil {
			r.printf("no conversation open\n")
			return false
		}
		if err := cv.LoadOlder(ctx); err != nil {
			r.printf("! %v\n", err)
			return false
		}
		for _, m := range cv.Messages() {
			r.printf("%s  %s: %s\n", clockTime(m.Ts), m.From, m.Text)
		}
	case "draft":
		if cv := r.app.Conversation(); cv != nil {
			cv.Composer().SetText(arg)
		}
	case "login":
		if err := r.app.SignIn(ctx, arg); err != nil {
			r.printf("! %v\n", err)
		}
		r.status()
	case "logout":
		r.app.Logout(ctx)
		r.status()
	case "say":
		r.say(ctx, arg)
	default:
		r.printf("unknown command /%s\n", cmd)
	}
	return false
}

func (r *repl) open(arg string) {
	chatID := arg
	if n, err := strconv.Atoi(arg); err == nil {
		list := r.app.Inbox().List()
		if n < 1 || n > len(list) {
			r.printf("no chat %d\n", n)
			return
		}
		chatID = list[n-1].ChatID
	}
	if !strings.HasPrefix(r.app.Route.Get(), app.ChatsPath) {
		r.app.Navigate(app.ChatsPath)
	}
	if !r.app.OpenConversation(chatID) {
		r.printf("sign in first\n")
	}
}

func (r *repl) say(ctx context.Context, text string) {
	cv := r.app.Conversation()
	if cv == nil {
		r.printf("open a conversation first (/chats, /open <n>)\n")
		return
	}
	cv.Composer().SetText(text)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cv.Composer().Submit(ctx); err != nil {
		r.printf("! not sent: %v\n", err)
		return
	}
	msgs := cv.Messages()
	if len(msgs) > 0 {
		m := msgs[len(msgs)-1]
		r.printf("%s  you: %s\n", clockTime(m.Ts), m.Text)
	}
}

// parseLine splits "/cmd arg" input. Plain text becomes the say command.
func parseLine(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "say", line
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func formatInbox(list []chatlist.Summary) string {
	if len(list) == 0 {
		return "no chats yet\n"
	}
	var b strings.Builder
	for i, s := range list {
		unread := ""
		if s.Unread > 0 {
			unread = fmt.Sprintf(" (%d)", s.Unread)
		}
		fmt.Fprintf(&b, "%2d. %s%s  %s\n", i+1, s.Title, unread, preview(s.LastText, 40))
	}
	return b.String()
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n-1]) + "…"
}

func clockTime(ms int64) string {
	if ms == 0 {
		return "--:--"
	}
	return time.UnixMilli(ms).Format("15:04")
}
