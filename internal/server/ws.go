package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loom/internal/broadcast"
)

// wsWriteTimeout bounds one WebSocket write so a stalled client cannot hold
// the broadcaster's fan-out slot.
const wsWriteTimeout = 5 * time.Second

// wsObserver adapts one WebSocket connection to the broadcaster's observer
// contract. Writes are serialized; a failed write surfaces to the broadcaster
// which then evicts the observer.
type wsObserver struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSObserver(conn *websocket.Conn) *wsObserver {
	return &wsObserver{id: uuid.NewString(), conn: conn}
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(msg broadcast.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return o.conn.WriteMessage(websocket.TextMessage, payload)
}

func (o *wsObserver) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.conn.Close()
}
