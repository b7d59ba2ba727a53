package audit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Message is the envelope written to subscribers
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// HandleWebSocket upgrades the request and streams events to it, starting
// with the recorded history. The caller is expected to have authenticated it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// history and registration happen under one lock so no event is
	// delivered twice or lost in between
	h.mu.Lock()
	sub.queueHistory(h.recentLocked(sendBuffer - 1))
	h.clients[sub] = true
	h.mu.Unlock()

	go sub.writePump()
	go sub.readPump()
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sub]; ok {
		delete(h.clients, sub)
		close(sub.send)
	}
}

func (h *Hub) broadcastLocked(event Event) {
	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(Message{Type: string(event.Type), Payload: event})
	if err != nil {
		return
	}

	for sub := range h.clients {
		select {
		case sub.send <- data:
		default:
			// subscriber buffer full, skip
		}
	}
}

// queueHistory fills the empty send buffer; it never blocks since the
// history is shorter than the buffer
func (s *subscriber) queueHistory(history []Event) {
	info, _ := json.Marshal(Message{
		Type: "stream.info",
		Payload: map[string]interface{}{
			"history": len(history),
			"since":   time.Now().UTC(),
		},
	})
	s.send <- info

	for _, event := range history {
		data, err := json.Marshal(Message{Type: string(event.Type), Payload: event})
		if err != nil {
			continue
		}
		s.send <- data
	}
}

// readPump only keeps the connection alive; subscribers do not send commands
func (s *subscriber) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
