package chatserver

import (
	"context"
	"testing"
	"time"

	"github.com/macwilko/wikid-realtime/events"
)

func joinPost(t *testing.T, s *Server, conn *Connection, postID string) {
	t.Helper()

	if err := s.Registry.JoinRoom(conn.ID, events.PostRoom(postID)); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
}

func TestTypingRelaysToRoomExceptSender(t *testing.T) {
	clock := newTestClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	alicePhone, alicePhoneSink := admit(t, s, "alice")
	aliceLaptop, aliceLaptopSink := admit(t, s, "alice")
	bob, bobSink := admit(t, s, "bob")
	_, carolSink := admit(t, s, "carol")

	joinPost(t, s, alicePhone, "p1")
	joinPost(t, s, aliceLaptop, "p1")
	joinPost(t, s, bob, "p1")

	s.Typing.Start(ctx, alicePhone, "p1")

	if bobSink.Count(events.UserTyping) != 1 {
		t.Fatalf("bob should see alice typing, got %v", bobSink.Kinds())
	}
	if alicePhoneSink.Count(events.UserTyping) != 0 || aliceLaptopSink.Count(events.UserTyping) != 0 {
		t.Fatal("the sender's own devices must not see the indicator")
	}
	if carolSink.Count(events.UserTyping) != 0 {
		t.Fatal("carol is not in the post room")
	}

	env := bobSink.Envelopes()[len(bobSink.Envelopes())-1]
	p := env.Payload.(events.UserTypingPayload)
	if p.UserID != "alice" || p.PostID != "p1" || p.UserName != "User alice" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestTypingSlidingExpiry(t *testing.T) {
	clock := newTestClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	alice, _ := admit(t, s, "alice")
	bob, bobSink := admit(t, s, "bob")
	joinPost(t, s, bob, "p1")

	clock.At(0)
	s.Typing.Start(ctx, alice, "p1")

	clock.At(2900 * time.Millisecond)
	s.Typing.Start(ctx, alice, "p1")

	clock.At(5000 * time.Millisecond)
	s.Typing.Sweep(ctx)

	if got := len(s.Typing.Active("p1")); got != 1 {
		t.Fatalf("indicator should still be live at 5s, got %d entries", got)
	}
	if bobSink.Count(events.UserStoppedTyping) != 0 {
		t.Fatal("no stop expected before the renewed deadline")
	}

	clock.At(6000 * time.Millisecond)
	s.Typing.Sweep(ctx)

	if got := len(s.Typing.Active("p1")); got != 0 {
		t.Fatalf("indicator should be gone at 6s, got %d entries", got)
	}
	if bobSink.Count(events.UserStoppedTyping) != 1 {
		t.Fatalf("expected one synthesized stop, got %v", bobSink.Kinds())
	}
	if bobSink.Count(events.UserTyping) != 2 {
		t.Fatalf("every renewal is relayed, got %v", bobSink.Kinds())
	}
}

func TestTypingExplicitStop(t *testing.T) {
	clock := newTestClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	alice, _ := admit(t, s, "alice")
	bob, bobSink := admit(t, s, "bob")
	joinPost(t, s, bob, "p1")

	s.Typing.Start(ctx, alice, "p1")
	s.Typing.Stop(ctx, alice, "p1")

	clock.At(10 * time.Second)
	s.Typing.Sweep(ctx)
	s.Typing.Stop(ctx, alice, "p1")

	if got := bobSink.Count(events.UserStoppedTyping); got != 1 {
		t.Fatalf("expected exactly one stop, got %d", got)
	}
}

func TestTypingStopBetweenDeadlineAndSweep(t *testing.T) {
	clock := newTestClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	alice, _ := admit(t, s, "alice")
	bob, bobSink := admit(t, s, "bob")
	joinPost(t, s, bob, "p1")

	s.Typing.Start(ctx, alice, "p1")

	clock.At(3050 * time.Millisecond)
	s.Typing.Stop(ctx, alice, "p1")
	s.Typing.Sweep(ctx)

	if got := bobSink.Count(events.UserStoppedTyping); got != 1 {
		t.Fatalf("expected exactly one stop, got %d", got)
	}
}

func TestTypingOfflineBetweenDeadlineAndSweep(t *testing.T) {
	clock := newTestClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	alice, _ := admit(t, s, "alice")
	bob, bobSink := admit(t, s, "bob")
	joinPost(t, s, bob, "p1")

	s.Typing.Start(ctx, alice, "p1")

	clock.At(3050 * time.Millisecond)
	s.Release(alice.ID)
	s.Typing.Sweep(ctx)

	if got := bobSink.Count(events.UserStoppedTyping); got != 1 {
		t.Fatalf("expected exactly one stop, got %d", got)
	}
}
