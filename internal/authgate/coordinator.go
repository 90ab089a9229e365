// Package authgate forces the sign-in popup open while an unauthenticated
// user is inside a protected area, and closes it again once the user signs
// in. It only ever closes a popup it opened itself.
package authgate

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/state"
)

// DefaultProtectedPrefix is the route prefix that requires a session.
const DefaultProtectedPrefix = "/admin"

// Popup controls the shared sign-in popup. Both calls are idempotent.
type Popup interface {
	OpenAuthPopup()
	CloseAuthPopup()
}

// Inputs is everything the coordinator reacts to.
type Inputs struct {
	Path               string
	AutoLoginAttempted bool
	Authenticated      bool
	PopupOpen          bool
}

// Phase is the coordinator state.
type Phase int

const (
	Idle Phase = iota
	ForcedOpen
)

func (p Phase) String() string {
	if p == ForcedOpen {
		return "forced_open"
	}
	return "idle"
}

// Coordinator evaluates the gate rule on every change of its inputs.
type Coordinator struct {
	mu     sync.Mutex
	forced bool // set only right before an automatic open
	prefix string
	popup  Popup
	logger *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProtectedPrefix overrides DefaultProtectedPrefix.
func WithProtectedPrefix(prefix string) Option {
	return func(c *Coordinator) { c.prefix = strings.TrimRight(prefix, "/") }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New returns an Idle coordinator driving popup.
func New(popup Popup, opts ...Option) *Coordinator {
	c := &Coordinator{
		prefix: DefaultProtectedPrefix,
		popup:  popup,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Protected reports whether path lies under the protected prefix.
func (c *Coordinator) Protected(path string) bool {
	return path == c.prefix || strings.HasPrefix(path, c.prefix+"/")
}

// Phase returns the current state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forced {
		return ForcedOpen
	}
	return Idle
}

// Forced reports whether the coordinator opened the popup.
func (c *Coordinator) Forced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}

// Evaluate applies the gate rule to in. The popup is driven after the
// internal lock is released, so a Popup that synchronously feeds its new
// state back into Evaluate does not deadlock.
func (c *Coordinator) Evaluate(in Inputs) {
	forcing := c.Protected(in.Path) && in.AutoLoginAttempted && !in.Authenticated

	var open, shut bool
	c.mu.Lock()
	switch {
	case forcing && !in.PopupOpen:
		c.forced = true
		open = true
	case !forcing && c.forced:
		c.forced = false
		shut = in.PopupOpen
	}
	c.mu.Unlock()

	switch {
	case open:
		c.logger.Info("forcing sign-in popup", zap.String("path", in.Path))
		c.popup.OpenAuthPopup()
	case shut:
		c.logger.Info("closing forced sign-in popup", zap.String("path", in.Path))
		c.popup.CloseAuthPopup()
	}
}

// AuthState is the part of the auth store the gate reads.
type AuthState struct {
	UserID             string
	AutoLoginAttempted bool
	Authenticated      bool
}

// UIState is the part of the ui store the gate reads.
type UIState struct {
	AuthPopupOpen bool
}

// Watch subscribes the coordinator to the route, auth and ui stores and
// evaluates once immediately. The returned function stops watching.
func (c *Coordinator) Watch(route *state.Store[string], auth *state.Store[AuthState], ui *state.Store[UIState]) (cancel func()) {
	eval := func() {
		a := auth.Get()
		c.Evaluate(Inputs{
			Path:               route.Get(),
			AutoLoginAttempted: a.AutoLoginAttempted,
			Authenticated:      a.Authenticated,
			PopupOpen:          ui.Get().AuthPopupOpen,
		})
	}

	cancels := []func(){
		route.Subscribe(func(string) { eval() }),
		auth.Subscribe(func(AuthState) { eval() }),
		ui.Subscribe(func(UIState) { eval() }),
	}
	eval()

	return func() {
		for _, fn := range cancels {
			fn()
		}
	}
}

// StorePopup is a Popup backed by the ui store.
type StorePopup struct {
	UI *state.Store[UIState]
}

// OpenAuthPopup marks the popup open.
func (p StorePopup) OpenAuthPopup() {
	p.UI.Update(func(s UIState) UIState { s.AuthPopupOpen = true; return s })
}

// CloseAuthPopup marks the popup closed.
func (p StorePopup) CloseAuthPopup() {
	p.UI.Update(func(s UIState) UIState { s.AuthPopupOpen = false; return s })
}

// Logout runs logout. When it fails the error is logged and refresh is
// called instead, so the user always ends up with a clean client state.
func Logout(ctx context.Context, logger *zap.Logger, logout func(context.Context) error, refresh func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := logout(ctx); err != nil {
		logger.Error("logout failed, refreshing", zap.Error(err))
		refresh()
	}
}
