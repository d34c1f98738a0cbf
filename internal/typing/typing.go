// Package typing manages typing indicators. Every indicator is ref-counted
// by a timer: a renewing signal pushes the expiry out, silence clears it
// after the quiet window, an explicit stop clears it at once.
package typing

import (
	"sync"
	"time"

	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/store"
)

// DefaultTimeout is the quiet window after which an indicator expires.
const DefaultTimeout = 3 * time.Second

type key struct {
	conversationID int64
	userID         int64
}

// Tracker applies inbound typing events of other users to the store.
type Tracker struct {
	store   *store.Store
	timeout time.Duration

	mu     sync.Mutex
	timers map[key]*time.Timer
}

// NewTracker creates a Tracker with the given quiet window.
func NewTracker(st *store.Store, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		store:   st,
		timeout: timeout,
		timers:  make(map[key]*time.Timer),
	}
}

// Observe applies a relay typing event. The viewer's own events, echoed
// from other tabs, are ignored.
func (t *Tracker) Observe(conversationID int64, ev models.TypingEvent) {
	if ev.UserID == 0 || ev.UserID == t.store.ViewerID() {
		return
	}
	if ev.IsTyping {
		t.Start(conversationID, ev.UserID, ev.UserName)
		return
	}
	t.Stop(conversationID, ev.UserID)
}

// Start marks userID as typing and (re)arms its expiry.
func (t *Tracker) Start(conversationID, userID int64, userName string) {
	k := key{conversationID, userID}

	t.mu.Lock()
	if old, ok := t.timers[k]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.timeout, func() { t.expire(k, timer) })
	t.timers[k] = timer
	t.mu.Unlock()

	t.store.SetTyping(conversationID, models.TypingUser{
		UserID:   userID,
		UserName: userName,
		Until:    time.Now().Add(t.timeout).UTC(),
	})
}

// Stop clears userID's indicator immediately.
func (t *Tracker) Stop(conversationID, userID int64) {
	k := key{conversationID, userID}
	t.mu.Lock()
	if timer, ok := t.timers[k]; ok {
		timer.Stop()
		delete(t.timers, k)
	}
	t.mu.Unlock()

	t.store.ClearTyping(conversationID, userID)
}

// StopAll cancels every pending expiry, for teardown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
}

// expire clears the indicator unless it was renewed after timer was armed.
func (t *Tracker) expire(k key, timer *time.Timer) {
	t.mu.Lock()
	if t.timers[k] != timer {
		t.mu.Unlock()
		return
	}
	delete(t.timers, k)
	t.mu.Unlock()

	t.store.ClearTyping(k.conversationID, k.userID)
}

// Debouncer schedules the viewer's own "stopped typing" signal so a typing
// state is never left stuck when no explicit stop arrives.
type Debouncer struct {
	quiet time.Duration

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// NewDebouncer creates a Debouncer with the given quiet window.
func NewDebouncer(quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultTimeout
	}
	return &Debouncer{quiet: quiet, timers: make(map[int64]*time.Timer)}
}

// Renew (re)arms expire to run after the quiet window for conversationID.
func (d *Debouncer) Renew(conversationID int64, expire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.timers[conversationID]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d.quiet, func() {
		d.mu.Lock()
		if d.timers[conversationID] != timer {
			d.mu.Unlock()
			return
		}
		delete(d.timers, conversationID)
		d.mu.Unlock()
		expire()
	})
	d.timers[conversationID] = timer
}

// Cancel disarms the pending expiry and reports whether one was pending.
func (d *Debouncer) Cancel(conversationID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	timer, ok := d.timers[conversationID]
	if ok {
		timer.Stop()
		delete(d.timers, conversationID)
	}
	return ok
}

// Pending reports whether an expiry is armed for conversationID.
func (d *Debouncer) Pending(conversationID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[conversationID]
	return ok
}

// CancelAll disarms every pending expiry, for teardown.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}
