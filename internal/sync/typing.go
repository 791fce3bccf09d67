package sync

import (
	"sort"
	stdsync "sync"
	"time"

	"github.com/matheus3301/msync/internal/clock"
)

// typingTracker holds who is typing where. Entries expire after ttl of
// silence even if the stop signal never arrives.
type typingTracker struct {
	clk     clock.Clock
	ttl     time.Duration
	publish func(groupID int64, users []string)

	mu      stdsync.Mutex
	groups  map[int64]map[string]time.Time
	timers  map[int64]clock.Timer
	stopped bool
}

func newTypingTracker(clk clock.Clock, ttl time.Duration, publish func(int64, []string)) *typingTracker {
	return &typingTracker{
		clk:     clk,
		ttl:     ttl,
		publish: publish,
		groups:  make(map[int64]map[string]time.Time),
		timers:  make(map[int64]clock.Timer),
	}
}

func (t *typingTracker) set(groupID int64, userID string, typing bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	users := t.groups[groupID]
	_, was := users[userID]
	if typing {
		if users == nil {
			users = make(map[string]time.Time)
			t.groups[groupID] = users
		}
		users[userID] = t.clk.Now().Add(t.ttl)
	} else {
		delete(users, userID)
	}
	t.rescheduleLocked(groupID)
	changed := was != typing
	list := t.listLocked(groupID)
	t.mu.Unlock()

	if changed {
		t.publish(groupID, list)
	}
}

// rescheduleLocked arms the group's timer for its earliest deadline.
func (t *typingTracker) rescheduleLocked(groupID int64) {
	if tm, ok := t.timers[groupID]; ok {
		tm.Stop()
		delete(t.timers, groupID)
	}
	var next time.Time
	for _, deadline := range t.groups[groupID] {
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	if next.IsZero() {
		delete(t.groups, groupID)
		return
	}
	t.timers[groupID] = t.clk.AfterFunc(next.Sub(t.clk.Now()), func() { t.expire(groupID) })
}

func (t *typingTracker) expire(groupID int64) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clk.Now()
	changed := false
	for user, deadline := range t.groups[groupID] {
		if !deadline.After(now) {
			delete(t.groups[groupID], user)
			changed = true
		}
	}
	delete(t.timers, groupID)
	t.rescheduleLocked(groupID)
	list := t.listLocked(groupID)
	t.mu.Unlock()

	if changed {
		t.publish(groupID, list)
	}
}

func (t *typingTracker) clear(groupID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, groupID)
	if tm, ok := t.timers[groupID]; ok {
		tm.Stop()
		delete(t.timers, groupID)
	}
}

func (t *typingTracker) users(groupID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked(groupID)
}

func (t *typingTracker) listLocked(groupID int64) []string {
	list := make([]string, 0, len(t.groups[groupID]))
	for user := range t.groups[groupID] {
		list = append(list, user)
	}
	sort.Strings(list)
	return list
}

func (t *typingTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}
