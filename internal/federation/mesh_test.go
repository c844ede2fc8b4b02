package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-im/umbra-relay/internal/protocol"
)

func TestFederationURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://relay.example.com/ws", "wss://relay.example.com/federation"},
		{"http://localhost:8080/ws", "ws://localhost:8080/federation"},
		{"wss://relay.example.com/federation", "wss://relay.example.com/federation"},
		{"http://localhost:8080", "ws://localhost:8080/federation"},
		{"http://localhost:8080/", "ws://localhost:8080/federation"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := federationURL(tt.raw); got != tt.want {
				t.Errorf("federationURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// mockPeerServer accepts federation connections and hands each to handler.
func mockPeerServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func readPeerFrame(t *testing.T, conn *websocket.Conn) protocol.PeerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read peer frame: %v", err)
	}
	var frame protocol.PeerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal peer frame: %v", err)
	}
	return frame
}

func writePeerFrame(t *testing.T, conn *websocket.Conn, frame protocol.PeerFrame) {
	t.Helper()
	data, _ := json.Marshal(frame)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write peer frame: %v", err)
	}
}

func newTestMesh(peers []string, localDIDs []string) *Mesh {
	cfg := Config{
		RelayID:          "relay-test",
		PublicURL:        "http://localhost:8080/ws",
		Region:           "US East",
		Location:         "New York",
		Peers:            peers,
		PresenceInterval: time.Hour,
	}
	return NewMesh(cfg, func() []string { return localDIDs }, nil)
}

func TestMesh_DialSendsHello(t *testing.T) {
	hello := make(chan protocol.PeerFrame, 1)
	server := mockPeerServer(t, func(conn *websocket.Conn) {
		hello <- readPeerFrame(t, conn)
		holdOpen(conn)
	})
	defer server.Close()

	m := newTestMesh([]string{server.URL}, []string{"did:key:z6MkAlice"})
	m.Start(context.Background())
	defer stopMesh(t, m)

	select {
	case frame := <-hello:
		if frame.Type != protocol.PeerTypeHello {
			t.Errorf("first frame type = %q, want hello", frame.Type)
		}
		if frame.RelayID != "relay-test" {
			t.Errorf("hello relay_id = %q, want relay-test", frame.RelayID)
		}
		if len(frame.OnlineDIDs) != 1 || frame.OnlineDIDs[0] != "did:key:z6MkAlice" {
			t.Errorf("hello online_dids = %v, want local presence", frame.OnlineDIDs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for hello")
	}
}

func TestMesh_RegistersPeerFromHello(t *testing.T) {
	server := mockPeerServer(t, func(conn *websocket.Conn) {
		readPeerFrame(t, conn)
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:       protocol.PeerTypeHello,
			RelayID:    "relay-eu",
			RelayURL:   "http://eu.example.com/ws",
			OnlineDIDs: []string{"did:key:z6MkBob"},
		})
		holdOpen(conn)
	})
	defer server.Close()

	m := newTestMesh([]string{server.URL}, nil)
	m.Start(context.Background())
	defer stopMesh(t, m)

	waitFor(t, func() bool { return m.ConnectedPeerCount() == 1 })

	relayID, ok := m.FindPeerForDID("did:key:z6MkBob")
	if !ok || relayID != "relay-eu" {
		t.Errorf("FindPeerForDID = %q, %v, want relay-eu, true", relayID, ok)
	}
	if m.RemoteDIDCount() != 1 {
		t.Errorf("RemoteDIDCount = %d, want 1", m.RemoteDIDCount())
	}
}

func TestMesh_PresenceGossip(t *testing.T) {
	server := mockPeerServer(t, func(conn *websocket.Conn) {
		readPeerFrame(t, conn)
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:    protocol.PeerTypeHello,
			RelayID: "relay-eu",
		})
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:    protocol.PeerTypePresenceOnline,
			RelayID: "relay-eu",
			DID:     "did:key:z6MkBob",
		})
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:    protocol.PeerTypePresenceOffline,
			RelayID: "relay-eu",
			DID:     "did:key:z6MkBob",
		})
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:       protocol.PeerTypePresenceSync,
			RelayID:    "relay-eu",
			OnlineDIDs: []string{"did:key:z6MkCarol"},
		})
		holdOpen(conn)
	})
	defer server.Close()

	m := newTestMesh([]string{server.URL}, nil)
	m.Start(context.Background())
	defer stopMesh(t, m)

	waitFor(t, func() bool {
		_, ok := m.FindPeerForDID("did:key:z6MkCarol")
		return ok
	})

	if _, ok := m.FindPeerForDID("did:key:z6MkBob"); ok {
		t.Error("did:key:z6MkBob still routed after presence_offline and sync")
	}
}

func TestMesh_ForwardMessage(t *testing.T) {
	forwarded := make(chan protocol.PeerFrame, 1)
	server := mockPeerServer(t, func(conn *websocket.Conn) {
		readPeerFrame(t, conn)
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:       protocol.PeerTypeHello,
			RelayID:    "relay-eu",
			OnlineDIDs: []string{"did:key:z6MkBob"},
		})
		forwarded <- readPeerFrame(t, conn)
	})
	defer server.Close()

	m := newTestMesh([]string{server.URL}, nil)
	m.Start(context.Background())
	defer stopMesh(t, m)

	waitFor(t, func() bool { return m.ConnectedPeerCount() == 1 })

	if !m.ForwardMessage("did:key:z6MkBob", "did:key:z6MkAlice", `{"x":1}`, 42) {
		t.Fatal("ForwardMessage failed for known remote DID")
	}

	select {
	case frame := <-forwarded:
		if frame.Type != protocol.PeerTypeForwardMessage {
			t.Errorf("forwarded type = %q, want forward_message", frame.Type)
		}
		if frame.ToDID != "did:key:z6MkBob" || frame.FromDID != "did:key:z6MkAlice" {
			t.Errorf("forwarded routing = %q -> %q", frame.FromDID, frame.ToDID)
		}
		if frame.Payload != `{"x":1}` {
			t.Errorf("forwarded payload = %q, not passed through verbatim", frame.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for forwarded frame")
	}
}

func TestMesh_ForwardUnknownDID(t *testing.T) {
	m := newTestMesh(nil, nil)
	if m.ForwardMessage("did:key:z6MkNobody", "did:key:z6MkAlice", "p", 0) {
		t.Error("ForwardMessage succeeded with no route")
	}
	if m.ForwardSignal("did:key:z6MkNobody", "did:key:z6MkAlice", "p", 0) {
		t.Error("ForwardSignal succeeded with no route")
	}
}

func TestMesh_InboundForwards(t *testing.T) {
	server := mockPeerServer(t, func(conn *websocket.Conn) {
		readPeerFrame(t, conn)
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:    protocol.PeerTypeHello,
			RelayID: "relay-eu",
		})
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:    protocol.PeerTypeForwardMessage,
			RelayID: "relay-eu",
			ToDID:   "did:key:z6MkLocal",
			FromDID: "did:key:z6MkRemote",
			Payload: "hi",
		})
		holdOpen(conn)
	})
	defer server.Close()

	m := newTestMesh([]string{server.URL}, nil)
	m.Start(context.Background())
	defer stopMesh(t, m)

	select {
	case frame := <-m.Inbound():
		if frame.Type != protocol.PeerTypeForwardMessage {
			t.Errorf("inbound type = %q, want forward_message", frame.Type)
		}
		if frame.ToDID != "did:key:z6MkLocal" {
			t.Errorf("inbound to_did = %q, want did:key:z6MkLocal", frame.ToDID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound forward")
	}
}

func TestMesh_PeerPingPong(t *testing.T) {
	pong := make(chan protocol.PeerFrame, 1)
	server := mockPeerServer(t, func(conn *websocket.Conn) {
		readPeerFrame(t, conn)
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:    protocol.PeerTypePeerPing,
			RelayID: "relay-eu",
		})
		pong <- readPeerFrame(t, conn)
	})
	defer server.Close()

	m := newTestMesh([]string{server.URL}, nil)
	m.Start(context.Background())
	defer stopMesh(t, m)

	select {
	case frame := <-pong:
		if frame.Type != protocol.PeerTypePeerPong {
			t.Errorf("reply type = %q, want peer_pong", frame.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for peer_pong")
	}
}

func TestMesh_ServeInbound(t *testing.T) {
	m := newTestMesh(nil, []string{"did:key:z6MkLocal"})
	m.Start(context.Background())
	defer stopMesh(t, m)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.ServeInbound(conn)
	}))
	defer server.Close()

	wsTarget := strings.Replace(server.URL, "http://", "ws://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(wsTarget, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The accepting side greets first.
	frame := readPeerFrame(t, conn)
	if frame.Type != protocol.PeerTypeHello || frame.RelayID != "relay-test" {
		t.Fatalf("greeting = %+v, want our hello", frame)
	}

	writePeerFrame(t, conn, protocol.PeerFrame{
		Type:       protocol.PeerTypeHello,
		RelayID:    "relay-dialer",
		OnlineDIDs: []string{"did:key:z6MkRemote"},
	})

	waitFor(t, func() bool { return m.ConnectedPeerCount() == 1 })

	if relayID, ok := m.FindPeerForDID("did:key:z6MkRemote"); !ok || relayID != "relay-dialer" {
		t.Errorf("FindPeerForDID = %q, %v, want relay-dialer, true", relayID, ok)
	}
}

func TestMesh_ReplicateSession(t *testing.T) {
	replicated := make(chan protocol.PeerFrame, 1)
	server := mockPeerServer(t, func(conn *websocket.Conn) {
		readPeerFrame(t, conn)
		writePeerFrame(t, conn, protocol.PeerFrame{
			Type:    protocol.PeerTypeHello,
			RelayID: "relay-eu",
		})
		replicated <- readPeerFrame(t, conn)
	})
	defer server.Close()

	m := newTestMesh([]string{server.URL}, nil)
	m.Start(context.Background())
	defer stopMesh(t, m)

	waitFor(t, func() bool { return m.ConnectedPeerCount() == 1 })

	created := time.Now()
	m.ReplicateSession("sess-1", "did:key:z6MkAlice", "offer", created)

	select {
	case frame := <-replicated:
		if frame.Type != protocol.PeerTypeSessionSync {
			t.Errorf("replicated type = %q, want session_sync", frame.Type)
		}
		if frame.SessionID != "sess-1" || frame.CreatorDID != "did:key:z6MkAlice" {
			t.Errorf("replicated session = %q by %q", frame.SessionID, frame.CreatorDID)
		}
		if frame.CreatedAt != created.UnixMilli() {
			t.Errorf("replicated created_at = %d, want %d", frame.CreatedAt, created.UnixMilli())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session_sync")
	}
}

func stopMesh(t *testing.T, m *Mesh) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Stop(ctx)
}

// holdOpen keeps a mock peer connection alive until the other side closes.
func holdOpen(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
