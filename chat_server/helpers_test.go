package chatserver

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/macwilko/wikid-realtime/events"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink keeps everything delivered to it.
type recordingSink struct {
	mu     sync.Mutex
	got    []events.Envelope
	closed bool
	full   bool
}

func (s *recordingSink) Deliver(env events.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.full {
		return false
	}

	s.got = append(s.got, env)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) Envelopes() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Envelope(nil), s.got...)
}

func (s *recordingSink) Kinds() []events.Kind {
	var kinds []events.Kind
	for _, env := range s.Envelopes() {
		kinds = append(kinds, env.Type)
	}
	return kinds
}

func (s *recordingSink) Count(kind events.Kind) int {
	n := 0
	for _, env := range s.Envelopes() {
		if env.Type == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = nil
}

// testClock is a settable now().
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestClock() *testClock {
	return &testClock{t: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) At(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = testEpoch.Add(offset)
}

func newTestServer(t *testing.T, clock *testClock) *Server {
	t.Helper()

	opts := Options{NodeID: "node-a", Logger: newTestLogger()}
	if clock != nil {
		opts.Now = clock.Now
	}

	return NewServer(opts)
}

func admit(t *testing.T, s *Server, userID string) (*Connection, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	conn := NewConnection(Identity{UserID: userID, Name: "User " + userID}, sink, false)

	if err := s.Admit(context.Background(), conn); err != nil {
		t.Fatalf("Admit(%s) failed: %v", userID, err)
	}

	return conn, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
