package internal_handlers

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
)

type recordingSink struct {
	mu  sync.Mutex
	got []events.Envelope
}

func (s *recordingSink) Deliver(env events.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, env)
	return true
}

func (s *recordingSink) Close() {}

func (s *recordingSink) count(kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, env := range s.got {
		if env.Type == kind {
			n++
		}
	}
	return n
}

func newTestApp(t *testing.T) (*fiber.App, *chatserver.Server) {
	t.Helper()

	server := chatserver.NewServer(chatserver.Options{
		NodeID: "node-test",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	app := fiber.New()
	v1 := fiber.New()
	internal := fiber.New()

	app.Mount("/v1", v1)
	v1.Mount("/internal", internal)
	Mount(internal, server)

	return app, server
}

func admit(t *testing.T, server *chatserver.Server, userID string) *recordingSink {
	t.Helper()

	sink := &recordingSink{}
	conn := chatserver.NewConnection(chatserver.Identity{UserID: userID}, sink, false)

	if err := server.Admit(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	return sink
}

func TestBroadcastValidation(t *testing.T) {
	app, _ := newTestApp(t)

	for _, body := range []string{
		`not json`,
		`{"target":{"scope":"room"},"event":{"type":"POST_CREATED","payload":{"post":{"id":"p1"}}}}`,
		`{"target":{"scope":"everyone"},"event":{"type":"POST_CREATED","payload":{}}}`,
		`{"target":{"scope":"all"},"event":{"type":"NOPE","payload":{}}}`,
		`{"target":{"scope":"all"}}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/internal/broadcast", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestClientBroadcast(t *testing.T) {
	app, server := newTestApp(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go app.Listener(ln)
	defer app.Shutdown()

	alice := admit(t, server, "alice")
	bob := admit(t, server, "bob")

	client := NewClient("http://" + ln.Addr().String())
	ctx := context.Background()

	env := events.New(events.PostCreatedPayload{Post: events.PostSummary{ID: "p1", AuthorID: "bob"}})

	n, err := client.ToRoom(ctx, events.PublicRoom, env)
	if err != nil {
		t.Fatalf("ToRoom failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}

	notification := events.New(events.NotificationNewPayload{Notification: events.Notification{ID: "n1", UserID: "alice"}})

	if n, err := client.ToUser(ctx, "alice", notification); err != nil || n != 1 {
		t.Fatalf("ToUser delivered %d: %v", n, err)
	}

	if alice.count(events.PostCreated) != 1 || bob.count(events.PostCreated) != 1 {
		t.Fatal("both users should get the post")
	}
	if alice.count(events.NotificationNew) != 1 || bob.count(events.NotificationNew) != 0 {
		t.Fatal("the notification is for alice only")
	}
}
