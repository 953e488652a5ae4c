package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Agent commands understood by the in-browser script.
const (
	CommandRefresh           = "refresh"
	CommandReconnect         = "reconnect"
	CommandActivateIDCapture = "activate_id_capture"
	CommandSendPageSource    = "send_page_source"
)

const writeDeadline = 10 * time.Second

// AgentChannel holds the single duplex link to the browser agent. The slot
// is either empty or holds exactly one live peer; a new handshake displaces
// the previous connection. Writes are serialized; gorilla/websocket does
// not allow concurrent writers.
type AgentChannel struct {
	registry *Registry

	// autoRetry mirrors enable_auto_retry: when off, a disconnect drains
	// every open channel instead of waiting for the peer to return.
	autoRetry bool

	mu            sync.Mutex
	conn          *websocket.Conn
	verifying     bool
	connectSignal chan struct{}

	writeMu sync.Mutex

	// onConnect runs in its own goroutine after each peer acceptance.
	onConnect func()
}

// NewAgentChannel builds the channel around the shared request registry.
func NewAgentChannel(registry *Registry, autoRetry bool) *AgentChannel {
	return &AgentChannel{
		registry:      registry,
		autoRetry:     autoRetry,
		connectSignal: make(chan struct{}),
	}
}

// SetOnConnect registers the recovery hook invoked after each acceptance.
func (a *AgentChannel) SetOnConnect(fn func()) { a.onConnect = fn }

// Connected reports whether a peer currently occupies the slot.
func (a *AgentChannel) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Verifying reports whether an interstitial refresh is in progress.
func (a *AgentChannel) Verifying() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verifying
}

// Serve takes ownership of an upgraded connection: it installs the peer,
// kicks off recovery, and demultiplexes inbound frames into the registry
// until the connection dies.
func (a *AgentChannel) Serve(conn *websocket.Conn) {
	a.accept(conn)
	if a.onConnect != nil {
		go a.onConnect()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WARN] agent: connection closed: %v", err)
			break
		}
		a.dispatchInbound(raw)
	}

	a.drop(conn)
}

func (a *AgentChannel) accept(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != nil {
		log.Printf("[WARN] agent: new peer handshake, replacing previous connection (inflight=%d)", a.registry.Len())
		_ = a.conn.Close()
	}
	if a.verifying {
		log.Printf("agent: peer reconnected, verification state cleared")
		a.verifying = false
	}
	a.conn = conn
	close(a.connectSignal)
	a.connectSignal = make(chan struct{})
	a.mu.Unlock()
	log.Printf("agent: peer connected (inflight=%d)", a.registry.Len())
}

// drop clears the slot only if conn is still the current peer; a displaced
// connection's exit must not evict its replacement.
func (a *AgentChannel) drop(conn *websocket.Conn) {
	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.conn = nil
	}
	a.mu.Unlock()
	if !current {
		return
	}

	if !a.autoRetry {
		for _, id := range a.registry.OpenIDs() {
			a.registry.Drain(id, "agent disconnected during operation")
		}
		log.Printf("agent: peer disconnected, drained all open channels (auto retry disabled)")
		return
	}
	log.Printf("agent: peer disconnected, %d requests awaiting reconnect", a.registry.Len())
}

func (a *AgentChannel) dispatchInbound(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[WARN] agent: malformed inbound message: %v", err)
		return
	}
	if msg.RequestID == "" || len(msg.Data) == 0 {
		log.Printf("[WARN] agent: inbound message missing request_id or data")
		return
	}
	frame, err := DecodeData(msg.Data)
	if err != nil {
		log.Printf("[WARN] agent: %v", err)
		return
	}
	if err := a.registry.Push(msg.RequestID, frame); err != nil {
		log.Printf("[WARN] agent: frame for stale request %s dropped", shortID(msg.RequestID))
	}
}

// Send writes a text frame to the peer, failing with ErrNoPeer when the
// slot is empty.
func (a *AgentChannel) Send(payload []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNoPeer
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("agent send: %w", err)
	}
	return nil
}

// SendCommand sends a control frame of the form {"command": name}.
func (a *AgentChannel) SendCommand(name string) error {
	payload, err := json.Marshal(map[string]string{"command": name})
	if err != nil {
		return err
	}
	return a.Send(payload)
}

// RequestRefresh asks the peer to reload the page once per interstitial
// detection. Returns false when a refresh is already pending; the
// verifying state clears on the next peer connect.
func (a *AgentChannel) RequestRefresh() bool {
	a.mu.Lock()
	if a.verifying {
		a.mu.Unlock()
		return false
	}
	a.verifying = true
	a.mu.Unlock()

	if err := a.SendCommand(CommandRefresh); err != nil {
		log.Printf("[ERROR] agent: refresh command failed: %v", err)
	}
	return true
}

// AwaitPeer blocks until a peer occupies the slot or the deadline passes.
func (a *AgentChannel) AwaitPeer(deadline <-chan struct{}) error {
	for {
		a.mu.Lock()
		if a.conn != nil {
			a.mu.Unlock()
			return nil
		}
		signal := a.connectSignal
		a.mu.Unlock()
		select {
		case <-signal:
		case <-deadline:
			return ErrRecoveryTimeout
		}
	}
}
