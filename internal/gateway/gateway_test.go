package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"archboard/api/internal/collab"
	"archboard/api/internal/store"
)

type tokenProvider map[string]collab.Identity

func (p tokenProvider) Authenticate(_ context.Context, token string) (collab.Identity, error) {
	identity, ok := p[token]
	if !ok {
		return collab.Identity{}, errors.New("unknown token")
	}
	return identity, nil
}

var (
	alice = collab.Identity{ID: "alice", DisplayName: "Alice", Color: "#e4572e"}
	bob   = collab.Identity{ID: "bob", DisplayName: "Bob", Color: "#29335c"}
)

type testEnv struct {
	server   *httptest.Server
	registry *collab.Registry
	manager  *collab.RoomManager
	store    *store.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	// Server goroutines outlive the test, so they must not log through t.
	logger := zap.NewNop()
	registry := collab.NewRegistry()
	manager := collab.NewRoomManager(registry, logger)
	memory := store.NewMemoryStore()
	chat := collab.NewChatRelay(registry, memory, 100, logger)
	gw := New(manager, chat, tokenProvider{"alice-token": alice, "bob-token": bob}, DefaultOptions(), logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testEnv{server: server, registry: registry, manager: manager, store: memory}
}

func (e *testEnv) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
}

func dial(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	welcome := readFrame(t, conn)
	if welcome.Type != frameWelcome || welcome.ConnectionID == "" {
		t.Fatalf("expected welcome frame, got %+v", welcome)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return frame
}

func expectFrame(t *testing.T, conn *websocket.Conn, frameType string) serverFrame {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != frameType {
		t.Fatalf("expected %s frame, got %+v", frameType, frame)
	}
	return frame
}

func memberIDs(members *[]collab.Presence) []string {
	if members == nil {
		return nil
	}
	out := make([]string, 0, len(*members))
	for _, p := range *members {
		out = append(out, p.Identity.ID)
	}
	return out
}

func TestRejectsMissingOrInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	for _, token := range []string{"", "nope"} {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(token), nil)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("token %q: expected bad handshake, got %v", token, err)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401 response", token)
		}
	}
}

func TestBearerHeaderAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{"Authorization": []string{"Bearer bob-token"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.server.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	welcome := expectFrame(t, conn, frameWelcome)
	if welcome.Identity == nil || welcome.Identity.ID != "bob" {
		t.Fatalf("expected bob, got %+v", welcome.Identity)
	}
}

func TestRoomScenarioOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")
	b := dial(t, env, "bob-token")

	send(t, a, map[string]any{"type": "join", "id": "a-join", "roomId": "view-42"})
	snapshot := expectFrame(t, a, "roomSnapshot")
	if got := memberIDs(snapshot.Members); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("unexpected snapshot %v", got)
	}
	if ack := expectFrame(t, a, frameAck); ack.ReplyTo != "a-join" {
		t.Fatalf("expected ack for a-join, got %+v", ack)
	}

	send(t, b, map[string]any{"type": "join", "id": "b-join", "roomId": "view-42"})
	expectFrame(t, b, "roomSnapshot")
	expectFrame(t, b, frameAck)
	joined := expectFrame(t, a, "memberJoined")
	if joined.Identity == nil || joined.Identity.ID != "bob" {
		t.Fatalf("expected bob joined, got %+v", joined)
	}

	send(t, a, map[string]any{"type": "cursor", "x": 10, "y": 20})
	cursor := expectFrame(t, b, "cursor")
	if cursor.From == nil || cursor.From.ID != "alice" {
		t.Fatalf("expected cursor from alice, got %+v", cursor.From)
	}
	if cursor.X == nil || *cursor.X != 10 || cursor.Y == nil || *cursor.Y != 20 {
		t.Fatalf("unexpected cursor position %+v", cursor)
	}

	payload := `{"label": "Billing API",  "pos": {"x": 1.50, "y": 2}}`
	send(t, a, map[string]any{"type": "nodeUpsert", "nodeId": "n1", "payload": payload})
	upsert := expectFrame(t, b, "nodeUpsert")
	if upsert.NodeID != "n1" || upsert.Payload == nil || *upsert.Payload != payload {
		t.Fatalf("payload not passed through verbatim: %+v", upsert.Payload)
	}

	// The next frame alice sees must be her own ack, not an echo.
	send(t, a, map[string]any{"type": "selection", "id": "a-sel", "targetIds": []string{"n1"}})
	if ack := expectFrame(t, a, frameAck); ack.ReplyTo != "a-sel" {
		t.Fatalf("expected ack for a-sel, got %+v", ack)
	}
	selection := expectFrame(t, b, "selection")
	if selection.TargetIDs == nil || len(*selection.TargetIDs) != 1 {
		t.Fatalf("unexpected selection %+v", selection)
	}

	send(t, a, map[string]any{"type": "leave", "id": "a-leave"})
	expectFrame(t, a, frameAck)
	left := expectFrame(t, b, "memberLeft")
	if left.IdentityID != "alice" {
		t.Fatalf("expected alice to leave, got %+v", left)
	}
	if got := memberIDs(left.Members); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected members [bob], got %v", got)
	}
}

func TestOperationWithoutRoomIsRejected(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")

	send(t, a, map[string]any{"type": "nodeDelete", "id": "op-1", "nodeId": "n1"})
	frame := expectFrame(t, a, frameError)
	if frame.ReplyTo != "op-1" || frame.Code != "NOT_IN_ROOM" {
		t.Fatalf("unexpected error frame %+v", frame)
	}
	if frame.Error != "you are not currently viewing a resource" {
		t.Fatalf("unexpected message %q", frame.Error)
	}
}

func TestMalformedFrames(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")

	if err := a.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if frame := expectFrame(t, a, frameError); frame.Code != "BAD_FRAME" {
		t.Fatalf("expected BAD_FRAME, got %+v", frame)
	}

	send(t, a, map[string]any{"type": "teleport", "id": "x"})
	if frame := expectFrame(t, a, frameError); frame.Code != "UNKNOWN_TYPE" || frame.ReplyTo != "x" {
		t.Fatalf("expected UNKNOWN_TYPE, got %+v", frame)
	}

	send(t, a, map[string]any{"type": "cursor", "id": "c", "x": 1})
	if frame := expectFrame(t, a, frameError); frame.Code != "BAD_FRAME" {
		t.Fatalf("expected BAD_FRAME for cursor without y, got %+v", frame)
	}
}

func TestOfflineChatScenarioOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")

	send(t, a, map[string]any{"type": "chatSend", "id": "s1", "toId": "bob", "body": "hi", "messageId": "m1"})
	sent := expectFrame(t, a, frameChatSent)
	if sent.ReplyTo != "s1" || sent.Message == nil || sent.Message.MessageID != "m1" {
		t.Fatalf("unexpected chatSent %+v", sent)
	}

	send(t, a, map[string]any{"type": "chatSend", "id": "s2", "toId": "bob", "body": "hi", "messageId": "m1"})
	expectFrame(t, a, frameChatSent)

	send(t, a, map[string]any{"type": "chatHistory", "id": "h1", "peerId": "bob"})
	history := expectFrame(t, a, frameChatHistory)
	if history.Messages == nil || len(*history.Messages) != 1 {
		t.Fatalf("expected one message in alice's history, got %+v", history.Messages)
	}

	b := dial(t, env, "bob-token")
	send(t, b, map[string]any{"type": "chatHistory", "id": "h2", "peerId": "alice"})
	history = expectFrame(t, b, frameChatHistory)
	if history.Messages == nil || len(*history.Messages) != 1 {
		t.Fatalf("expected exactly one message, got %+v", history.Messages)
	}
	msg := (*history.Messages)[0]
	if msg.MessageID != "m1" || msg.Body != "hi" || msg.FromID != "alice" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestChatDeliveredLive(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")
	b := dial(t, env, "bob-token")

	send(t, a, map[string]any{"type": "chatSend", "toId": "bob", "body": "ping"})
	live := expectFrame(t, b, "chatMessage")
	if live.Message == nil || live.Message.Body != "ping" || live.Message.MessageID == "" {
		t.Fatalf("unexpected chat push %+v", live)
	}
	sent := expectFrame(t, a, frameChatSent)
	if sent.Message.MessageID != live.Message.MessageID {
		t.Fatal("sender and recipient should see the same message id")
	}
}

func TestChatPersistenceFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")
	env.store.Close()

	send(t, a, map[string]any{"type": "chatSend", "id": "s1", "toId": "bob", "body": "hi"})
	frame := expectFrame(t, a, frameError)
	if frame.Code != "PERSISTENCE_FAILURE" || frame.ReplyTo != "s1" {
		t.Fatalf("unexpected error frame %+v", frame)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")
	b := dial(t, env, "bob-token")

	send(t, a, map[string]any{"type": "join", "roomId": "view-7"})
	expectFrame(t, a, "roomSnapshot")
	send(t, b, map[string]any{"type": "join", "roomId": "view-7"})
	expectFrame(t, b, "roomSnapshot")
	expectFrame(t, a, "memberJoined")

	_ = a.Close()
	left := expectFrame(t, b, "memberLeft")
	if left.IdentityID != "alice" {
		t.Fatalf("expected alice to leave on disconnect, got %+v", left)
	}
	if got := env.manager.Members("view-7"); len(got) != 1 {
		t.Fatalf("expected one member left, got %d", len(got))
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	c := newClient("conn-1", alice, nil, 1, zap.NewNop())
	event := collab.Event{Type: collab.EventOperation, From: bob, Op: collab.NodeDeleted{NodeID: "n1"}}

	if !c.Push(event) {
		t.Fatal("first push should be queued")
	}
	if c.Push(event) {
		t.Fatal("push to a full queue should be refused")
	}
	if !c.closed() {
		t.Fatal("expected the slow connection to be closed")
	}
	if c.Push(event) {
		t.Fatal("push after close should be refused")
	}
}

func TestWelcomeArrivesBeforeBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	fanout := collab.NewNotificationFanout(env.registry, env.store, 50, zap.NewNop())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = fanout.Broadcast(context.Background(), "", collab.SeverityInfo, "tick", "")
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	// dial fails unless the first frame on each connection is welcome.
	for i := 0; i < 20; i++ {
		dial(t, env, "alice-token")
	}
}

func TestUnknownFrameTypesShareOneMetricSeries(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env, "alice-token")

	before := testutil.CollectAndCount(framesTotal)
	for i := 0; i < 50; i++ {
		send(t, a, map[string]any{"type": fmt.Sprintf("junk-%d", i), "id": "j"})
		expectFrame(t, a, frameError)
	}
	if grown := testutil.CollectAndCount(framesTotal) - before; grown > 1 {
		t.Fatalf("junk frame types added %d series, want at most 1", grown)
	}
	if got := testutil.ToFloat64(framesTotal.WithLabelValues(unknownFrameLabel, "error")); got < 50 {
		t.Fatalf("expected junk frames counted under %q, got %v", unknownFrameLabel, got)
	}
}

func TestFrameLabel(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want string
	}{
		{in: "join", want: "join"},
		{in: "chatSend", want: "chatSend"},
		{in: "nodeUpsert", want: "nodeUpsert"},
		{in: "viewSaved", want: "viewSaved"},
		{in: "junk-1", want: unknownFrameLabel},
		{in: "", want: unknownFrameLabel},
	} {
		if got := frameLabel(tt.in); got != tt.want {
			t.Fatalf("frameLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
