// Package app assembles the companion: it owns the route, auth and ui
// stores, connects the chat list session and the auth gate to them, and
// builds one Conversation screen per selected chat.
package app

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/authgate"
	"github.com/whisper/companion/internal/chatlist"
	"github.com/whisper/companion/internal/clock"
	"github.com/whisper/companion/internal/state"
)

// Routes the app navigates between.
const (
	HomePath  = "/"
	ChatsPath = "/chats"
)

// Backend is the connection the app runs on. *client.Client satisfies it.
type Backend interface {
	chatlist.Backend
	Transport
	Authenticate(ctx context.Context, token string) (string, error)
	Logout(ctx context.Context) error
	OnState(fn func(up bool)) (cancel func())
	Inbox() *chatlist.Inbox
	Close() error
}

// Config holds the app's settings.
type Config struct {
	// Token is presented once at start. Empty skips auto-login.
	Token string

	// ProtectedPrefix is the route prefix that requires sign-in.
	ProtectedPrefix string
}

// DefaultConfig returns a Config guarding the admin area.
func DefaultConfig() Config {
	return Config{ProtectedPrefix: authgate.DefaultProtectedPrefix}
}

// App is the running companion.
type App struct {
	config  Config
	backend Backend
	logger  *zap.Logger
	clock   clock.Clock

	Route *state.Store[string]
	Auth  *state.Store[authgate.AuthState]
	UI    *state.Store[authgate.UIState]

	gate *authgate.Coordinator
	list *chatlist.Session

	// Refresh resets local state when logout cannot reach the gateway.
	Refresh func()

	mu      sync.Mutex
	ctx     context.Context
	conv    *Conversation
	onConv  []func(*Conversation)
	cancels []func()
	started bool
	closed  bool
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the app's logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithClock sets the clock passed to conversation screens.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New builds an App on backend. Nothing happens until Start.
func New(config Config, backend Backend, opts ...Option) *App {
	a := &App{
		config:  config,
		backend: backend,
		logger:  zap.NewNop(),
		clock:   clock.Real(),
		Route:   state.NewComparable(HomePath),
		Auth:    state.NewComparable(authgate.AuthState{}),
		UI:      state.NewComparable(authgate.UIState{}),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("app")

	gateOpts := []authgate.Option{authgate.WithLogger(a.logger)}
	if config.ProtectedPrefix != "" {
		gateOpts = append(gateOpts, authgate.WithProtectedPrefix(config.ProtectedPrefix))
	}
	a.gate = authgate.New(authgate.StorePopup{UI: a.UI}, gateOpts...)
	a.list = chatlist.NewSession(backend, a.openConversation, a.logger)
	a.Refresh = a.reset
	return a
}

// Gate returns the auth gate.
func (a *App) Gate() *authgate.Coordinator { return a.gate }

// ChatList returns the chat list session.
func (a *App) ChatList() *chatlist.Session { return a.list }

// Inbox returns the conversation summaries.
func (a *App) Inbox() *chatlist.Inbox { return a.backend.Inbox() }

// Conversation returns the open conversation screen, or nil.
func (a *App) Conversation() *Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conv
}

// OnConversation registers fn to be called whenever a conversation screen
// is opened.
func (a *App) OnConversation(fn func(*Conversation)) {
	a.mu.Lock()
	a.onConv = append(a.onConv, fn)
	a.mu.Unlock()
}

// Start wires the stores and runs auto-login. AutoLoginAttempted is set
// once the attempt is over, whatever its outcome; the auth gate waits for
// it before forcing the sign-in popup.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.ctx = ctx
	a.mu.Unlock()

	cancels := []func(){
		a.gate.Watch(a.Route, a.Auth, a.UI),
		a.backend.OnState(func(up bool) {
			if up {
				a.list.ConnectionUp()
			} else {
				a.list.ConnectionDown()
			}
		}),
	}
	a.mu.Lock()
	a.cancels = append(a.cancels, cancels...)
	a.mu.Unlock()

	var userID string
	if a.config.Token != "" {
		if err := a.backend.Connect(ctx); err != nil {
			a.logger.Warn("auto-login: connect failed", zap.Error(err))
		} else if uid, err := a.backend.Authenticate(ctx, a.config.Token); err != nil {
			a.logger.Warn("auto-login failed", zap.Error(err))
		} else {
			userID = uid
			a.logger.Info("signed in", zap.String("user", uid))
		}
	}

	a.Auth.Set(authgate.AuthState{
		UserID:             userID,
		AutoLoginAttempted: true,
		Authenticated:      userID != "",
	})
	if userID != "" {
		a.list.SetIdentity(ctx, userID)
	}
	return nil
}

// SignIn authenticates with token after start, as the sign-in popup does.
func (a *App) SignIn(ctx context.Context, token string) error {
	if err := a.backend.Connect(ctx); err != nil {
		return err
	}
	uid, err := a.backend.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	a.Auth.Update(func(s authgate.AuthState) authgate.AuthState {
		s.UserID = uid
		s.Authenticated = true
		return s
	})
	a.UI.Set(authgate.UIState{})
	a.list.SetIdentity(ctx, uid)
	return nil
}

// Navigate moves to path. The chat list is mounted while the route is
// inside ChatsPath.
func (a *App) Navigate(path string) {
	if path == "" {
		path = HomePath
	}
	a.Route.Set(path)

	if path == ChatsPath || strings.HasPrefix(path, ChatsPath+"/") {
		a.mu.Lock()
		ctx := a.ctx
		a.mu.Unlock()
		a.list.Mount(ctx)
		return
	}
	a.list.Unmount()
	a.closeConversation()
}

// OpenConversation selects chatID from the chat list. It returns false when
// there is no identity yet or chatID is empty.
func (a *App) OpenConversation(chatID string) bool {
	return a.list.Select(chatID)
}

// Logout signs out. When the gateway cannot be reached Refresh is called
// instead.
func (a *App) Logout(ctx context.Context) {
	authgate.Logout(ctx, a.logger, func(ctx context.Context) error {
		if err := a.backend.Logout(ctx); err != nil {
			return err
		}
		a.clearIdentity(ctx)
		return nil
	}, a.Refresh)
}

// Close stops every watcher, unmounts the chat list, closes the open
// conversation and the connection.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancels := a.cancels
	a.cancels = nil
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	a.list.Unmount()
	a.closeConversation()
	err := a.backend.Close()
	a.list.Wait()
	return err
}

func (a *App) openConversation(chatID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	old := a.conv
	if old != nil && old.ChatID() == chatID {
		a.mu.Unlock()
		return
	}
	conv := NewConversation(chatID, a.backend,
		WithConversationClock(a.clock),
		WithConversationLogger(a.logger))
	a.conv = conv
	fns := append([]func(*Conversation){}, a.onConv...)
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
	a.Route.Set(ChatsPath + "/" + chatID)
	if err := a.backend.MarkRead(chatID); err != nil {
		a.logger.Debug("mark read failed", zap.String("chat", chatID), zap.Error(err))
	}
	for _, fn := range fns {
		fn(conv)
	}
}

func (a *App) closeConversation() {
	a.mu.Lock()
	conv := a.conv
	a.conv = nil
	a.mu.Unlock()
	if conv != nil {
		conv.Close()
	}
}

func (a *App) clearIdentity(ctx context.Context) {
	a.closeConversation()
	a.Auth.Update(func(s authgate.AuthState) authgate.AuthState {
		s.UserID = ""
		s.Authenticated = false
		return s
	})
	a.list.SetIdentity(ctx, "")
	a.backend.Inbox().Reset()
}

// reset is the default Refresh: drop the connection and all signed-in
// state, as a page reload would.
func (a *App) reset() {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	a.clearIdentity(ctx)
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("close after failed logout", zap.Error(err))
	}
}
