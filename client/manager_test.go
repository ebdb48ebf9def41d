package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/macwilko/wikid-realtime/events"
)

func TestConnectReachesConnected(t *testing.T) {
	primary, fallback := &fakeTransport{}, &fakeTransport{}
	c, log := newTestClient(t, testOptions(primary, fallback))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if c.State() != Connected || c.FallbackActive() {
		t.Fatalf("unexpected state %s fallback=%v", c.State(), c.FallbackActive())
	}

	changes := log.All()
	if len(changes) != 2 || changes[0].State != Connecting || changes[1].State != Connected {
		t.Fatalf("unexpected transitions %+v", changes)
	}

	if kinds := primary.SentKinds(); len(kinds) != 1 || kinds[0] != events.SyncRequest {
		t.Fatalf("expected a SYNC_REQUEST on connect, got %v", kinds)
	}
}

func TestReconnectExhaustionActivatesFallbackOnce(t *testing.T) {
	primary, fallback := &fakeTransport{}, &fakeTransport{}

	opts := testOptions(primary, fallback)
	opts.ProbeInterval = 5 * time.Millisecond

	c, log := newTestClient(t, opts)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	primary.setConnectErr(errUnreachable)
	primary.drop(&events.TransportError{Op: "read", Err: errors.New("reset")})

	waitFor(t, "ERROR with fallback", func() bool {
		return c.State() == Error && c.FallbackActive()
	})

	var attempts []int
	for _, ch := range log.All() {
		if ch.State == Reconnecting && ch.Attempt > 0 {
			attempts = append(attempts, ch.Attempt)
		}
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("expected attempts 1..3, got %v", attempts)
	}

	if primary.Connects() < 4 {
		t.Fatalf("expected the initial connect and 3 attempts, got %d", primary.Connects())
	}

	var exhausted bool
	for _, ch := range log.All() {
		if ch.State == Error && errors.Is(ch.Err, events.ErrReconnectExhausted) {
			exhausted = true
		}
	}
	if !exhausted {
		t.Fatal("ERROR should carry ErrReconnectExhausted")
	}

	// The probe recovers the primary transport.
	primary.setConnectErr(nil)

	waitFor(t, "recovery", func() bool {
		return c.State() == Connected && !c.FallbackActive()
	})

	if n := log.fallbackActivations(); n != 1 {
		t.Fatalf("fallback should activate exactly once, got %d", n)
	}
	if fallback.Disconnects() == 0 {
		t.Fatal("fallback transport should be released on recovery")
	}
}

func TestEmitWithoutTransport(t *testing.T) {
	primary, fallback := &fakeTransport{}, &fakeTransport{}
	c, _ := newTestClient(t, testOptions(primary, fallback))

	if c.Emit(events.UserTyping, events.UserTypingPayload{PostID: "p1"}) {
		t.Fatal("emit must report false before connecting")
	}
	if s := c.Stats(); s.Sent != 0 {
		t.Fatalf("nothing was sent, got %+v", s)
	}
}

func TestEmitRoutesThroughActiveTransport(t *testing.T) {
	primary, fallback := &fakeTransport{}, &fakeTransport{}
	c, _ := newTestClient(t, testOptions(primary, fallback))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !c.StartTyping("p1") {
		t.Fatal("emit over the primary transport failed")
	}

	primary.setConnectErr(errUnreachable)
	primary.drop(events.ErrServerClosed)

	waitFor(t, "fallback", c.FallbackActive)

	if c.State() != Disconnected {
		t.Fatalf("a server close should not auto-reconnect, state %s", c.State())
	}
	if primary.Connects() != 1 {
		t.Fatalf("no reconnection attempts expected, got %d connects", primary.Connects())
	}

	if !c.StopTyping("p1") {
		t.Fatal("emit over the fallback transport failed")
	}

	if kinds := fallback.SentKinds(); len(kinds) != 2 || kinds[0] != events.SyncRequest || kinds[1] != events.UserStoppedTyping {
		t.Fatalf("expected a sync then the stop on the fallback, got %v", kinds)
	}
	if s := c.Stats(); s.Sent != 2 {
		t.Fatalf("expected 2 sent, got %+v", s)
	}

	if c.Emit(events.UserTyping, events.UserStoppedTypingPayload{PostID: "p1"}) {
		t.Fatal("mismatched kind and payload must not be sent")
	}
}

func TestAuthenticationErrorIsFatal(t *testing.T) {
	primary := &fakeTransport{connectErr: &events.AuthenticationError{Reason: "handshake refused"}}
	fallback := &fakeTransport{}
	c, _ := newTestClient(t, testOptions(primary, fallback))

	var authErr error
	c.OnAuthError(func(err error) { authErr = err })

	err := c.Connect(context.Background())
	if !events.IsAuthentication(err) {
		t.Fatalf("expected an authentication error, got %v", err)
	}
	if !events.IsAuthentication(authErr) {
		t.Fatal("auth callback not called")
	}

	time.Sleep(20 * time.Millisecond)

	if c.State() != Disconnected || c.FallbackActive() {
		t.Fatalf("expected DISCONNECTED without fallback, got %s fallback=%v", c.State(), c.FallbackActive())
	}
	if primary.Connects() != 1 || fallback.Connects() != 0 {
		t.Fatal("authentication failures are never retried")
	}
}

func TestInitialFailureRetries(t *testing.T) {
	primary := &fakeTransport{connectErr: errUnreachable}
	fallback := &fakeTransport{}

	opts := testOptions(primary, fallback)
	opts.ReconnectionAttempts = 100

	c, _ := newTestClient(t, opts)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("transport failures are not returned, got %v", err)
	}

	primary.setConnectErr(nil)

	waitFor(t, "connected", func() bool { return c.State() == Connected })
}

func TestRoomsRejoinedAfterReconnect(t *testing.T) {
	primary, fallback := &fakeTransport{}, &fakeTransport{}
	c, _ := newTestClient(t, testOptions(primary, fallback))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.JoinPost(context.Background(), "p2")
	c.JoinPost(context.Background(), "p1")
	c.LeavePost(context.Background(), "p2")

	primary.drop(&events.TransportError{Op: "read", Err: errors.New("reset")})

	waitFor(t, "reconnect", func() bool {
		return c.State() == Connected && len(primary.Sent()) > 4
	})

	sent := primary.Sent()
	last := sent[len(sent)-1]

	sync, ok := last.Payload.(events.SyncRequestPayload)
	if !ok {
		t.Fatalf("expected SYNC_REQUEST after reconnect, got %s", last.Type)
	}
	if len(sync.Rooms) != 1 || sync.Rooms[0] != events.PostRoom("p1") {
		t.Fatalf("expected only p1 to be re-requested, got %v", sync.Rooms)
	}
}

func TestFallbackRequestsJoinedRooms(t *testing.T) {
	primary, fallback := &fakeTransport{}, &fakeTransport{}
	c, _ := newTestClient(t, testOptions(primary, fallback))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.JoinPost(context.Background(), "p1")
	c.JoinPost(context.Background(), "p2")

	primary.setConnectErr(errUnreachable)
	primary.drop(&events.TransportError{Op: "read", Err: errors.New("reset")})

	waitFor(t, "fallback sync", func() bool { return len(fallback.Sent()) > 0 })

	sync, ok := fallback.Sent()[0].Payload.(events.SyncRequestPayload)
	if !ok {
		t.Fatalf("expected SYNC_REQUEST first on the fallback, got %v", fallback.SentKinds())
	}
	if len(sync.Rooms) != 2 || sync.Rooms[0] != events.PostRoom("p1") || sync.Rooms[1] != events.PostRoom("p2") {
		t.Fatalf("expected both joined posts, got %v", sync.Rooms)
	}
}

func TestManualReconnectStopsRetryLoop(t *testing.T) {
	primary := &fakeTransport{connectErr: errUnreachable}
	fallback := &fakeTransport{}

	opts := testOptions(primary, fallback)
	opts.ReconnectionAttempts = 100
	opts.ReconnectionDelay = 50 * time.Millisecond
	opts.ReconnectionDelayMax = 50 * time.Millisecond

	c, log := newTestClient(t, opts)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	primary.setConnectErr(nil)

	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if c.State() != Connected {
		t.Fatalf("expected CONNECTED, got %s", c.State())
	}
	if n := primary.Connects(); n != 2 {
		t.Fatalf("the retry loop kept dialing: %d connects", n)
	}

	syncs := 0
	for _, kind := range primary.SentKinds() {
		if kind == events.SyncRequest {
			syncs++
		}
	}
	if syncs != 1 {
		t.Fatalf("expected one SYNC_REQUEST, got %d", syncs)
	}

	changes := log.All()
	if last := changes[len(changes)-1]; last.State != Connected {
		t.Fatalf("state moved on after the manual reconnect: %+v", changes)
	}
}

func TestDisconnectStopsLoops(t *testing.T) {
	primary, fallback := &fakeTransport{}, &fakeTransport{}

	opts := testOptions(primary, fallback)
	opts.HeartbeatInterval = 2 * time.Millisecond

	c, log := newTestClient(t, opts)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "heartbeats", func() bool { return len(primary.Sent()) > 3 })

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}

	n := len(primary.Sent())
	time.Sleep(20 * time.Millisecond)

	if len(primary.Sent()) != n {
		t.Fatal("heartbeat kept running after Disconnect")
	}
	if c.State() != Disconnected {
		t.Fatalf("expected DISCONNECTED, got %s", c.State())
	}

	changes := log.All()
	if changes[len(changes)-1].State != Disconnected {
		t.Fatal("last transition should be DISCONNECTED")
	}

	// A drop reported after Disconnect is ignored.
	primary.drop(&events.TransportError{Op: "read", Err: errors.New("late")})
	time.Sleep(10 * time.Millisecond)

	if c.State() != Disconnected {
		t.Fatalf("late drop changed state to %s", c.State())
	}
}

func TestBackoff(t *testing.T) {
	b := backoff{base: time.Second, max: 5 * time.Second}

	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 5 * time.Second,
		9: 5 * time.Second,
	} {
		if got := b.delay(attempt); got != want {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}

	jittered := backoff{base: time.Second, max: 5 * time.Second, factor: 0.5}

	for i := 0; i < 100; i++ {
		d := jittered.delay(2)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("jittered delay %v out of bounds", d)
		}
	}
}
