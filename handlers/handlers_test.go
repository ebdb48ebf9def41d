package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/db/realtime_db/model"
	"github.com/macwilko/wikid-realtime/events"
)

const testSecret = "test-secret"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("couldn't sign token: %v", err)
	}

	return signed
}

type fakeDirectory map[string]model.Users

func (d fakeDirectory) LookupUser(_ context.Context, id string) (model.Users, error) {
	u, ok := d[id]
	if !ok {
		return model.Users{}, errors.New("user not found")
	}
	return u, nil
}

func newTestApp(t *testing.T, directory Directory) (*fiber.App, *chatserver.Server) {
	t.Helper()

	logger := newTestLogger()
	server := chatserver.NewServer(chatserver.Options{NodeID: "node-test", Logger: logger})
	auth := NewAuthenticator(testSecret, directory, logger)

	app := fiber.New()
	Mount(context.Background(), app, server, auth, NewSocket(server, 16, logger))

	return app, server
}

type errorsBody struct {
	Errors []struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"errors"`
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()

	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("couldn't decode body: %v", err)
	}
}

func TestVerify(t *testing.T) {
	auth := NewAuthenticator(testSecret, nil, newTestLogger())

	ident, err := auth.Verify(context.Background(), mintToken(t, testSecret, jwt.MapClaims{"id": "alice", "name": "Alice"}))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ident.UserID != "alice" || ident.Name != "Alice" {
		t.Fatalf("unexpected identity %+v", ident)
	}

	for name, raw := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": mintToken(t, "other", jwt.MapClaims{"id": "alice"}),
		"no subject":   mintToken(t, testSecret, jwt.MapClaims{"name": "Alice"}),
		"expired":      mintToken(t, testSecret, jwt.MapClaims{"id": "alice", "exp": time.Now().Add(-time.Hour).Unix()}),
	} {
		if _, err := auth.Verify(context.Background(), raw); !events.IsAuthentication(err) {
			t.Errorf("%s: expected an authentication error, got %v", name, err)
		}
	}
}

func TestVerifyUsesDirectory(t *testing.T) {
	directory := fakeDirectory{
		"alice": {ID: "alice", Name: sql.NullString{String: "Alice Liddell", Valid: true}},
	}

	auth := NewAuthenticator(testSecret, directory, newTestLogger())

	ident, err := auth.Verify(context.Background(), mintToken(t, testSecret, jwt.MapClaims{"id": "alice"}))
	if err != nil {
		t.Fatal(err)
	}
	if ident.Name != "Alice Liddell" {
		t.Fatalf("expected the directory name, got %q", ident.Name)
	}

	_, err = auth.Verify(context.Background(), mintToken(t, testSecret, jwt.MapClaims{"id": "ghost"}))
	if !events.IsAuthentication(err) {
		t.Fatalf("unknown users must be rejected, got %v", err)
	}
}

func TestPollRequiresToken(t *testing.T) {
	app, server := newTestApp(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/realtime/poll", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	body := errorsBody{}
	decodeBody(t, resp, &body)

	if len(body.Errors) != 1 || body.Errors[0].Code != events.CodeAuthentication {
		t.Fatalf("unexpected body %+v", body)
	}
	if server.Registry.Count() != 0 {
		t.Fatal("a rejected request must not create a connection")
	}
}

func TestPollAndEmit(t *testing.T) {
	app, server := newTestApp(t, nil)
	token := mintToken(t, testSecret, jwt.MapClaims{"id": "alice", "name": "Alice"})

	poll := func() []events.Envelope {
		req := httptest.NewRequest(http.MethodGet, "/realtime/poll", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("poll returned %d", resp.StatusCode)
		}

		out := struct {
			Events []events.Envelope `json:"events"`
		}{}
		decodeBody(t, resp, &out)

		return out.Events
	}

	emit := func(body string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/realtime/emit", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	first := poll()
	if len(first) == 0 || first[0].Type != events.Connected {
		t.Fatalf("first poll should start with CONNECTED, got %+v", first)
	}
	if !server.Registry.IsOnline("alice") {
		t.Fatal("polling client should be online")
	}

	resp := emit(`{"event":"HEARTBEAT","data":{"seq":4}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("emit returned %d", resp.StatusCode)
	}

	ok := struct {
		Success bool `json:"success"`
	}{}
	decodeBody(t, resp, &ok)
	if !ok.Success {
		t.Fatal("expected success")
	}

	got := poll()
	if len(got) != 1 || got[0].Payload.(events.HeartbeatPayload).Seq != 4 {
		t.Fatalf("expected the heartbeat echo, got %+v", got)
	}

	for _, body := range []string{
		`{"event":"POST_CREATED","data":{}}`,
		`{"event":"NOPE","data":{}}`,
		`{"data":{}}`,
	} {
		if resp := emit(body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestWebsocketHandshakeRejected(t *testing.T) {
	app, server := newTestApp(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws?token=bad", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if server.Registry.Count() != 0 {
		t.Fatal("rejected handshake must not reach the registry")
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	app, server := newTestApp(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go app.Listener(ln)
	defer app.Shutdown()

	token := mintToken(t, testSecret, jwt.MapClaims{"id": "alice", "name": "Alice"})

	ws, _, err := fastws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	read := func(kind events.Kind) events.Envelope {
		t.Helper()

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))

		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %s: %v", kind, err)
			}

			env, err := events.Parse(msg)
			if err != nil {
				t.Fatalf("bad frame %s: %v", msg, err)
			}

			if env.Type == kind {
				return env
			}
		}
	}

	connected := read(events.Connected).Payload.(events.ConnectedPayload)
	if connected.UserID != "alice" {
		t.Fatalf("unexpected CONNECTED %+v", connected)
	}

	if err := ws.WriteMessage(fastws.TextMessage, []byte(`{"type":"HEARTBEAT","payload":{"seq":9}}`)); err != nil {
		t.Fatal(err)
	}
	if seq := read(events.Heartbeat).Payload.(events.HeartbeatPayload).Seq; seq != 9 {
		t.Fatalf("expected seq 9, got %d", seq)
	}

	if err := ws.WriteMessage(fastws.TextMessage, []byte(`{"type":"POST_CREATED","payload":{}}`)); err != nil {
		t.Fatal(err)
	}
	if code := read(events.Error).Payload.(events.ErrorPayload).Code; code != events.CodeProtocol {
		t.Fatalf("expected a protocol error, got %s", code)
	}

	if !server.Registry.IsOnline("alice") {
		t.Fatal("alice should be online")
	}

	ws.WriteMessage(fastws.CloseMessage, fastws.FormatCloseMessage(fastws.CloseNormalClosure, ""))
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for server.Registry.IsOnline("alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice should go offline after the socket closes")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketCloseCodes(t *testing.T) {
	app, server := newTestApp(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go app.Listener(ln)
	defer app.Shutdown()

	dial := func(userID string) *fastws.Conn {
		t.Helper()

		token := mintToken(t, testSecret, jwt.MapClaims{"id": userID, "name": userID})

		ws, _, err := fastws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws?token="+token, nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for len(server.Registry.ConnectionsFor(userID)) == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("%s never registered", userID)
			}
			time.Sleep(5 * time.Millisecond)
		}

		return ws
	}

	closeCode := func(ws *fastws.Conn) int {
		t.Helper()

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))

		for {
			_, _, err := ws.ReadMessage()
			if err == nil {
				continue
			}

			var closeErr *fastws.CloseError
			if !errors.As(err, &closeErr) {
				t.Fatalf("expected a close frame, got %v", err)
			}

			return closeErr.Code
		}
	}

	evicted := dial("alice")
	defer evicted.Close()

	server.Registry.ConnectionsFor("alice")[0].Close()

	if code := closeCode(evicted); code != fastws.CloseTryAgainLater {
		t.Fatalf("an evicted client should be told to retry, got %d", code)
	}

	kicked := dial("bob")
	defer kicked.Close()

	if err := server.Kick(server.Registry.ConnectionsFor("bob")[0].ID); err != nil {
		t.Fatal(err)
	}

	if code := closeCode(kicked); code != fastws.CloseNormalClosure {
		t.Fatalf("a kicked client should get a normal closure, got %d", code)
	}
	if server.Registry.IsOnline("bob") {
		t.Fatal("bob should be offline once kicked")
	}

	if err := server.Kick("missing"); !errors.Is(err, chatserver.ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}
