package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bridgekit/dmgate/internal/bus"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/relay"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/pkg/protocol"
)

type fakeAccounts struct {
	byRouting map[string]*model.Account
}

func (f *fakeAccounts) Get(_ context.Context, id string) (*model.Account, error) {
	for _, a := range f.byRouting {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}
func (f *fakeAccounts) GetByRoutingID(_ context.Context, routingID string) (*model.Account, error) {
	if a, ok := f.byRouting[routingID]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeAccounts) List(context.Context) ([]model.Account, error) { return nil, nil }
func (f *fakeAccounts) Create(context.Context, *model.Account) error  { return nil }
func (f *fakeAccounts) MarkNeedsReauth(context.Context, string) error { return nil }
func (f *fakeAccounts) ClearChannelIdentity(context.Context, string, string) error {
	return nil
}

var _ store.AccountStore = (*fakeAccounts)(nil)

type fakeStreamer struct {
	chunks []string
	err    error
}

func (f *fakeStreamer) Stream(_ context.Context, _ relay.Request, onChunk func(string)) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for _, c := range f.chunks {
		onChunk(c)
	}
	return strings.Join(f.chunks, ""), nil
}

func newTestHub(t *testing.T, streamer Streamer) (*Hub, string) {
	t.Helper()
	accounts := &fakeAccounts{byRouting: map[string]*model.Account{
		"bot-acme": {ID: "a1", Name: "Acme", RoutingID: "bot-acme"},
	}}
	h := New(config.HubConfig{PingIntervalSeconds: 30, IdleTimeoutSeconds: 600}, nil, accounts, streamer)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	var frame protocol.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func authenticate(t *testing.T, conn *websocket.Conn, routingID string) {
	t.Helper()
	if err := conn.WriteJSON(protocol.ClientFrame{
		Type: protocol.TypeAuth, RoutingID: routingID, Identity: "ops@acme.test",
	}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Type != protocol.EventAuthSuccess {
		t.Fatalf("auth reply = %+v", frame)
	}
}

func TestAuthSuccessAndFailure(t *testing.T) {
	_, url := newTestHub(t, &fakeStreamer{})

	conn := dial(t, url)
	authenticate(t, conn, "bot-acme")

	bad := dial(t, url)
	if err := bad.WriteJSON(protocol.ClientFrame{
		Type: protocol.TypeAuth, RoutingID: "bot-unknown", Identity: "x",
	}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, bad); frame.Type != protocol.EventAuthError {
		t.Fatalf("expected auth_error, got %+v", frame)
	}
}

func TestBroadcastRoutesByRoutingID(t *testing.T) {
	h, url := newTestHub(t, &fakeStreamer{})

	authed := dial(t, url)
	authenticate(t, authed, "bot-acme")

	// An anonymous client must not receive tenant broadcasts.
	anon := dial(t, url)

	// Wait for both registrations.
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.BroadcastToAccount("bot-acme", bus.Event{
		Name:    protocol.EventPlatformMessage,
		Payload: map[string]any{"threadId": "t1", "message": "hello"},
	})

	frame := readFrame(t, authed)
	if frame.Type != protocol.EventPlatformMessage {
		t.Fatalf("frame = %+v", frame)
	}
	if !strings.Contains(string(frame.Data), `"threadId":"t1"`) {
		t.Fatalf("payload = %s", frame.Data)
	}

	anon.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray protocol.ServerFrame
	if err := anon.ReadJSON(&stray); err == nil {
		t.Fatalf("anonymous client received broadcast: %+v", stray)
	}
}

func TestChatStreamsChunks(t *testing.T) {
	_, url := newTestHub(t, &fakeStreamer{chunks: []string{"Hel", "lo"}})

	conn := dial(t, url)
	authenticate(t, conn, "bot-acme")

	if err := conn.WriteJSON(protocol.ClientFrame{Type: protocol.TypeChat, Message: "hi"}); err != nil {
		t.Fatal(err)
	}

	var types []string
	var chunks []string
	for {
		frame := readFrame(t, conn)
		types = append(types, frame.Type)
		if frame.Type == protocol.EventChatChunk {
			chunks = append(chunks, frame.Chunk)
		}
		if frame.Type == protocol.EventChatComplete {
			break
		}
	}

	if types[0] != protocol.EventAITyping {
		t.Fatalf("first frame = %v", types)
	}
	if got := strings.Join(chunks, ""); got != "Hello" {
		t.Fatalf("chunks = %q", got)
	}
	// The trailing typing-off frame follows completion.
	if frame := readFrame(t, conn); frame.Type != protocol.EventAITyping || frame.Status == nil || *frame.Status {
		t.Fatalf("expected typing off, got %+v", frame)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	_, url := newTestHub(t, &fakeStreamer{chunks: []string{"x"}})

	conn := dial(t, url)
	if err := conn.WriteJSON(protocol.ClientFrame{Type: protocol.TypeChat, Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Type != protocol.EventError {
		t.Fatalf("expected error frame, got %+v", frame)
	}
}

func TestPingPong(t *testing.T) {
	_, url := newTestHub(t, &fakeStreamer{})

	conn := dial(t, url)
	if err := conn.WriteJSON(protocol.ClientFrame{Type: protocol.TypePing}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Type != protocol.EventPong || frame.Timestamp == 0 {
		t.Fatalf("pong = %+v", frame)
	}
}
