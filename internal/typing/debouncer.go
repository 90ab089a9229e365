// Package typing turns raw keystrokes into discrete "typing started" and
// "typing stopped" signals for a single conversation.
//
// A Debouncer emits start on the first non-empty keystroke and stop once
// the input has been quiet for QuietPeriod. Every keystroke that arrives
// before the quiet period elapses re-arms the stop timer, so stop fires
// after a continuous gap and never on a fixed cadence. The Debouncer never
// talks to the network itself; it only invokes the two callbacks it was
// constructed with.
package typing

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/clock"
)

// QuietPeriod is the default keystroke inactivity after which stop fires.
const QuietPeriod = 2 * time.Second

// Debouncer is the typing session of one local user in one conversation.
// It is safe for concurrent use. Callbacks run in the order the session
// changed state, never while the state lock is held, and must not call back
// into the Debouncer.
type Debouncer struct {
	emitMu  sync.Mutex // serializes a state change with its callback
	mu      sync.Mutex
	typing  bool
	timer   clock.Timer
	gen     uint64 // incremented every time the pending timer is replaced
	closed  bool
	onStart func()
	onStop  func()
	quiet   time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock overrides the clock used to schedule the stop timer.
func WithClock(c clock.Clock) Option {
	return func(d *Debouncer) { d.clock = c }
}

// WithQuietPeriod overrides QuietPeriod.
func WithQuietPeriod(p time.Duration) Option {
	return func(d *Debouncer) { d.quiet = p }
}

// WithLogger sets the logger used for debug tracing.
func WithLogger(l *zap.Logger) Option {
	return func(d *Debouncer) { d.logger = l }
}

// New returns an idle Debouncer. onTyping is called when a typing session
// starts and onStopTyping when it ends. Either may be nil.
func New(onTyping, onStopTyping func(), opts ...Option) *Debouncer {
	d := &Debouncer{
		onStart: onTyping,
		onStop:  onStopTyping,
		quiet:   QuietPeriod,
		clock:   clock.Real(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnKeystroke records the current input text.
func (d *Debouncer) OnKeystroke(currentText string) {
	if strings.TrimSpace(currentText) == "" {
		d.stop("empty")
		return
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	started := !d.typing
	d.typing = true
	d.armLocked()
	d.mu.Unlock()

	if started {
		d.logger.Debug("typing started")
		d.emit(d.onStart)
	}
}

// OnBlur ends the typing session because the input lost focus.
func (d *Debouncer) OnBlur() { d.stop("blur") }

// OnSubmit ends the typing session because the draft was sent.
func (d *Debouncer) OnSubmit() { d.stop("submit") }

// Close tears the Debouncer down: the pending timer is canceled and no
// callback is invoked again, including a stop for a session that was still
// open when Close was called.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.cancelLocked()
	d.typing = false
	d.closed = true
}

// Active reports whether a typing session is open.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// Pending reports whether a stop timer is armed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// stop cancels the pending timer and emits stop if a session was open.
func (d *Debouncer) stop(reason string) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.cancelLocked()
	wasTyping := d.typing
	d.typing = false
	d.mu.Unlock()

	if wasTyping {
		d.logger.Debug("typing stopped", zap.String("reason", reason))
		d.emit(d.onStop)
	}
}

// armLocked replaces the pending stop timer with a fresh one.
func (d *Debouncer) armLocked() {
	d.cancelLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.quiet, func() { d.expire(gen) })
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// expire runs when a stop timer fires. A timer that was superseded or
// canceled after it started firing carries a stale generation and is
// ignored.
func (d *Debouncer) expire(gen uint64) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.closed || gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.gen++
	d.typing = false
	d.mu.Unlock()

	d.logger.Debug("typing stopped", zap.String("reason", "quiet"))
	d.emit(d.onStop)
}

func (d *Debouncer) emit(fn func()) {
	if fn != nil {
		fn()
	}
}
