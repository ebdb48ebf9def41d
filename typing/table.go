// Package typing keeps ephemeral "user is typing" state. Each entry carries
// its own deadline; renewing an entry moves the deadline, so there is never
// more than one pending expiry per user and post.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is the sliding expiry window, measured from the most recent
// refresh.
const DefaultTTL = 3 * time.Second

type Key struct {
	UserID string
	PostID string
}

type State struct {
	UserID    string
	PostID    string
	UserName  string
	ExpiresAt time.Time
}

type Table struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[Key]State
}

// NewTable returns an empty table. A nil now uses time.Now.
func NewTable(ttl time.Duration, now func() time.Time) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if now == nil {
		now = time.Now
	}

	return &Table{
		ttl:     ttl,
		now:     now,
		entries: make(map[Key]State),
	}
}

func (t *Table) TTL() time.Duration {
	return t.ttl
}

// Touch creates or refreshes the entry for userID on postID. started is true
// when no live entry existed before the call.
func (t *Table) Touch(userID, postID, userName string) (s State, started bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	k := Key{UserID: userID, PostID: postID}

	prev, ok := t.entries[k]
	started = !ok || !prev.ExpiresAt.After(now)

	if userName == "" {
		userName = prev.UserName
	}

	s = State{
		UserID:    userID,
		PostID:    postID,
		UserName:  userName,
		ExpiresAt: now.Add(t.ttl),
	}
	t.entries[k] = s

	return s, started
}

// Remove clears an entry. ok is false only when there was no entry at all;
// an entry past its deadline that Expire has not collected yet counts, so
// the caller owes the stop the sweep will no longer produce.
func (t *Table) Remove(userID, postID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := Key{UserID: userID, PostID: postID}
	s, ok := t.entries[k]

	if !ok {
		return State{}, false
	}

	delete(t.entries, k)

	return s, true
}

// RemoveUser clears and returns every entry held by userID, including
// expired ones not yet collected by Expire.
func (t *Table) RemoveUser(userID string) []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []State

	for k, s := range t.entries {
		if k.UserID != userID {
			continue
		}

		delete(t.entries, k)
		removed = append(removed, s)
	}

	sortStates(removed)

	return removed
}

// Expire removes and returns every entry whose deadline has passed.
func (t *Table) Expire() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []State

	for k, s := range t.entries {
		if !s.ExpiresAt.After(now) {
			delete(t.entries, k)
			expired = append(expired, s)
		}
	}

	sortStates(expired)

	return expired
}

// Active lists live entries for postID, or for every post when postID is
// empty.
func (t *Table) Active(postID string) []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var active []State

	for k, s := range t.entries {
		if postID != "" && k.PostID != postID {
			continue
		}

		if s.ExpiresAt.After(now) {
			active = append(active, s)
		}
	}

	sortStates(active)

	return active
}

// Has reports whether userID has a live entry on postID.
func (t *Table) Has(userID, postID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[Key{UserID: userID, PostID: postID}]

	return ok && s.ExpiresAt.After(t.now())
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Run sweeps the table every interval until ctx is done, handing each
// expired entry to onExpire.
func (t *Table) Run(ctx context.Context, interval time.Duration, onExpire func(State)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range t.Expire() {
				onExpire(s)
			}
		}
	}
}

func sortStates(states []State) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].PostID != states[j].PostID {
			return states[i].PostID < states[j].PostID
		}
		return states[i].UserID < states[j].UserID
	})
}
