package client

import (
	"context"
	"errors"
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

var errUnreachable = &events.TransportError{Op: "dial", Err: errors.New("connection refused")}

// fakeTransport connects when connectErr is nil and records what it sends.
type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	connected   bool
	sent        []events.Envelope
	handler     func(events.Envelope)
	onDrop      func(error)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++

	if f.connectErr != nil {
		return f.connectErr
	}

	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeTransport) Send(_ context.Context, env events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return &events.TransportError{Op: "send", Err: errors.New("not connected")}
	}

	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) OnEvent(handler func(events.Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) OnDrop(handler func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDrop = handler
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// drop simulates the session ending on its own.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	onDrop := f.onDrop
	f.mu.Unlock()

	onDrop(err)
}

func (f *fakeTransport) deliver(env events.Envelope) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	handler(env)
}

func (f *fakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) Sent() []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Envelope(nil), f.sent...)
}

func (f *fakeTransport) SentKinds() []events.Kind {
	var kinds []events.Kind
	for _, env := range f.Sent() {
		kinds = append(kinds, env.Type)
	}
	return kinds
}

// changeLog records every state change.
type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) All() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

// fallbackActivations counts false -> true flips of FallbackActive.
func (l *changeLog) fallbackActivations() int {
	n := 0
	prev := false

	for _, c := range l.All() {
		if c.FallbackActive && !prev {
			n++
		}
		prev = c.FallbackActive
	}

	return n
}

func testOptions(primary, fallback *fakeTransport) Options {
	return Options{
		Primary:              primary,
		Fallback:             fallback,
		ReconnectionAttempts: 3,
		ReconnectionDelay:    time.Millisecond,
		ReconnectionDelayMax: 4 * time.Millisecond,
		RandomizationFactor:  -1,
		HeartbeatInterval:    time.Hour,
		PollInterval:         time.Hour,
		ProbeInterval:        time.Hour,
		Logger:               newTestLogger(),
	}
}

func newTestClient(t *testing.T, opts Options) (*Client, *changeLog) {
	t.Helper()

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	log := &changeLog{}
	c.OnStateChange(log.record)

	t.Cleanup(func() { c.Disconnect() })

	return c, log
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
