package federation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-im/umbra-relay/internal/protocol"
)

const writeTimeout = 5 * time.Second

// link is one live relay-to-relay WebSocket, dialed or accepted.
type link struct {
	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once

	mu      sync.Mutex
	relayID string
}

func newLink(conn *websocket.Conn) *link {
	return &link{conn: conn}
}

// sendFrame marshals and writes a single federation frame.
func (l *link) sendFrame(frame protocol.PeerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *link) setRelayID(id string) {
	l.mu.Lock()
	l.relayID = id
	l.mu.Unlock()
}

func (l *link) getRelayID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relayID
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		l.conn.Close()
	})
}
