package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newAgentServer(t *testing.T, channel *AgentChannel) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		channel.Serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAgent(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendWithoutPeerFails(t *testing.T) {
	channel := NewAgentChannel(NewRegistry(), true)
	if err := channel.Send([]byte("{}")); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
}

func TestSendReachesPeer(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	_, wsURL := newAgentServer(t, channel)

	agent := dialAgent(t, wsURL)
	waitFor(t, channel.Connected, "peer connect")

	if err := channel.Send([]byte(`{"hello":true}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := agent.ReadMessage()
	if err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if string(raw) != `{"hello":true}` {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

func TestNewPeerDisplacesOld(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	_, wsURL := newAgentServer(t, channel)

	first := dialAgent(t, wsURL)
	waitFor(t, channel.Connected, "first peer")

	second := dialAgent(t, wsURL)
	// The displaced connection is closed by the server; its next read fails.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected first connection to be closed after replacement")
	}

	waitFor(t, channel.Connected, "second peer")
	if err := channel.Send([]byte(`{"n":2}`)); err != nil {
		t.Fatalf("Send after replacement: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("second agent read: %v", err)
	}
	if string(raw) != `{"n":2}` {
		t.Fatalf("unexpected payload on second peer: %s", raw)
	}
}

func TestInboundFramesRoutedToRegistry(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	_, wsURL := newAgentServer(t, channel)

	ch := registry.Open(&Meta{RequestID: "req-ws", CreatedAt: time.Now()})

	agent := dialAgent(t, wsURL)
	waitFor(t, channel.Connected, "peer connect")

	msg := `{"request_id": "req-ws", "data": "a0:\"hi\""}`
	if err := agent.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("agent write: %v", err)
	}

	select {
	case f := <-ch:
		if f.Kind != FrameText || f.Text != `a0:"hi"` {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not routed to registry")
	}
}

func TestDisconnectWithoutAutoRetryDrainsChannels(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, false)
	_, wsURL := newAgentServer(t, channel)

	ch := registry.Open(&Meta{RequestID: "req-drop", CreatedAt: time.Now()})

	agent := dialAgent(t, wsURL)
	waitFor(t, channel.Connected, "peer connect")
	_ = agent.Close()

	select {
	case f := <-ch:
		if f.Kind != FrameError {
			t.Fatalf("expected error frame after disconnect, got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not drained after disconnect")
	}
	if f := <-ch; f.Kind != FrameDone {
		t.Fatalf("expected done frame, got %+v", f)
	}
}

func TestVerifyingClearsOnReconnect(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	_, wsURL := newAgentServer(t, channel)

	agent := dialAgent(t, wsURL)
	waitFor(t, channel.Connected, "peer connect")

	if !channel.RequestRefresh() {
		t.Fatal("first refresh request should be issued")
	}
	if channel.RequestRefresh() {
		t.Fatal("second refresh request should be suppressed while verifying")
	}
	// The agent receives the refresh command.
	_ = agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := agent.ReadMessage()
	if err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if string(raw) != `{"command":"refresh"}` {
		t.Fatalf("unexpected command payload: %s", raw)
	}

	dialAgent(t, wsURL)
	waitFor(t, func() bool { return !channel.Verifying() }, "verifying cleared")
}

func TestRecoveryReplaysInFlightRequests(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	queue := NewPendingQueue()
	recovery := NewRecovery(queue, channel, registry, nil, 5*time.Second)
	recovery.interDelay = 0
	channel.SetOnConnect(recovery.OnPeerConnect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recovery.Run(ctx)

	task := []byte(`{"request_id":"req-replay","payload":{}}`)
	registry.Open(&Meta{RequestID: "req-replay", CreatedAt: time.Now(), TaskFrame: task})

	_, wsURL := newAgentServer(t, channel)
	agent := dialAgent(t, wsURL)

	_ = agent.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := agent.ReadMessage()
	if err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if string(raw) != string(task) {
		t.Fatalf("expected replayed task frame, got %s", raw)
	}
}

func TestRecoveryDrainsRequestWithoutPayload(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	queue := NewPendingQueue()
	recovery := NewRecovery(queue, channel, registry, nil, time.Second)
	recovery.interDelay = 0

	ch := registry.Open(&Meta{RequestID: "req-lost", CreatedAt: time.Now()})
	recovery.OnPeerConnect()

	if f := <-ch; f.Kind != FrameError {
		t.Fatalf("expected error frame, got %+v", f)
	}
	if f := <-ch; f.Kind != FrameDone {
		t.Fatalf("expected done frame, got %+v", f)
	}
}

func TestParkTimesOutWithoutPeer(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	queue := NewPendingQueue()
	recovery := NewRecovery(queue, channel, registry, nil, 100*time.Millisecond)
	recovery.interDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recovery.Run(ctx)

	start := time.Now()
	_, err := recovery.Park(context.Background(), testRequest())
	if !errors.Is(err, ErrRecoveryTimeout) {
		t.Fatalf("expected recovery timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("park took too long: %s", elapsed)
	}
}
