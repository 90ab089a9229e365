package authgate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/companion/internal/state"
)

type fakePopup struct {
	open   bool
	opens  int
	closes int
}

func (p *fakePopup) OpenAuthPopup()  { p.open = true; p.opens++ }
func (p *fakePopup) CloseAuthPopup() { p.open = false; p.closes++ }

func TestForcesPopupOnProtectedRoute(t *testing.T) {
	p := &fakePopup{}
	c := New(p)

	c.Evaluate(Inputs{Path: "/admin/x", AutoLoginAttempted: true})

	assert.Equal(t, 1, p.opens)
	assert.True(t, c.Forced())
	assert.Equal(t, ForcedOpen, c.Phase())

	c.Evaluate(Inputs{Path: "/admin/x", AutoLoginAttempted: true, Authenticated: true, PopupOpen: true})

	assert.Equal(t, 1, p.closes)
	assert.False(t, c.Forced())
	assert.Equal(t, Idle, c.Phase())
}

func TestWaitsForAutoLoginAttempt(t *testing.T) {
	p := &fakePopup{}
	c := New(p)

	c.Evaluate(Inputs{Path: "/admin"})
	assert.Zero(t, p.opens)

	c.Evaluate(Inputs{Path: "/admin", AutoLoginAttempted: true})
	assert.Equal(t, 1, p.opens)
}

func TestUnprotectedRoutesAreIgnored(t *testing.T) {
	p := &fakePopup{}
	c := New(p)

	for _, path := range []string{"/", "/chat", "/administrator", "/adminx/y"} {
		c.Evaluate(Inputs{Path: path, AutoLoginAttempted: true})
	}
	assert.Zero(t, p.opens)
}

func TestUserOpenedPopupIsNeverAutoClosed(t *testing.T) {
	p := &fakePopup{open: true}
	c := New(p)

	c.Evaluate(Inputs{Path: "/admin/x", AutoLoginAttempted: true, PopupOpen: true})
	assert.Zero(t, p.opens)
	assert.False(t, c.Forced())

	c.Evaluate(Inputs{Path: "/admin/x", AutoLoginAttempted: true, Authenticated: true, PopupOpen: true})
	assert.Zero(t, p.closes)
	assert.True(t, p.open)
}

func TestLeavingProtectedAreaClosesForcedPopup(t *testing.T) {
	p := &fakePopup{}
	c := New(p)

	c.Evaluate(Inputs{Path: "/admin", AutoLoginAttempted: true})
	c.Evaluate(Inputs{Path: "/", AutoLoginAttempted: true, PopupOpen: true})

	assert.Equal(t, 1, p.closes)
	assert.False(t, c.Forced())
}

func TestForcedFlagClearedEvenIfUserClosedPopup(t *testing.T) {
	p := &fakePopup{}
	c := New(p)

	c.Evaluate(Inputs{Path: "/admin", AutoLoginAttempted: true})
	c.Evaluate(Inputs{Path: "/", AutoLoginAttempted: true, PopupOpen: false})

	assert.Zero(t, p.closes, "nothing to close")
	assert.False(t, c.Forced())
}

func TestCustomPrefix(t *testing.T) {
	p := &fakePopup{}
	c := New(p, WithProtectedPrefix("/companions/"))

	assert.True(t, c.Protected("/companions"))
	assert.True(t, c.Protected("/companions/7"))
	assert.False(t, c.Protected("/admin"))
}

func TestWatchReactsToStores(t *testing.T) {
	route := state.NewComparable("/")
	auth := state.NewComparable(AuthState{})
	ui := state.NewComparable(UIState{})
	c := New(StorePopup{UI: ui})

	cancel := c.Watch(route, auth, ui)
	defer cancel()

	route.Set("/admin/settings")
	assert.False(t, ui.Get().AuthPopupOpen, "auto-login not attempted yet")

	auth.Set(AuthState{AutoLoginAttempted: true})
	require.True(t, ui.Get().AuthPopupOpen)
	assert.True(t, c.Forced())

	auth.Set(AuthState{AutoLoginAttempted: true, Authenticated: true, UserID: "u1"})
	assert.False(t, ui.Get().AuthPopupOpen)
	assert.False(t, c.Forced())
}

func TestWatchLeavesManualPopupAlone(t *testing.T) {
	route := state.NewComparable("/admin")
	auth := state.NewComparable(AuthState{AutoLoginAttempted: true})
	ui := state.NewComparable(UIState{AuthPopupOpen: true})
	c := New(StorePopup{UI: ui})

	cancel := c.Watch(route, auth, ui)
	defer cancel()

	auth.Set(AuthState{AutoLoginAttempted: true, Authenticated: true})
	assert.True(t, ui.Get().AuthPopupOpen)
}

func TestWatchCancel(t *testing.T) {
	route := state.NewComparable("/")
	auth := state.NewComparable(AuthState{AutoLoginAttempted: true})
	ui := state.NewComparable(UIState{})
	c := New(StorePopup{UI: ui})

	cancel := c.Watch(route, auth, ui)
	cancel()

	route.Set("/admin")
	assert.False(t, ui.Get().AuthPopupOpen)
	assert.Zero(t, route.Observers())
}

func TestLogoutFallsBackToRefresh(t *testing.T) {
	refreshed := false
	Logout(context.Background(), nil,
		func(context.Context) error { return errors.New("network") },
		func() { refreshed = true })
	assert.True(t, refreshed)

	refreshed = false
	Logout(context.Background(), nil,
		func(context.Context) error { return nil },
		func() { refreshed = true })
	assert.False(t, refreshed)
}
