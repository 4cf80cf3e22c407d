package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/quotelabs/rfqsettle/pkg/rfq"
)

// Event feeds. Every connection starts on the two global feeds; per-maker
// feeds carry that maker's fills and cancels and are opt-in.
const (
	ChannelFills   = "fills"
	ChannelCancels = "cancels"

	makerChannelPrefix = "maker:"
)

// MakerChannel names the feed carrying one maker's fills and cancels.
func MakerChannel(maker common.Address) string {
	return makerChannelPrefix + maker.Hex()
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be under pongWait
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS layer in front of the router
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks live WebSocket sessions and fans settlement events out to the
// feeds each session subscribed to.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*session]struct{}
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[*session]struct{})}
}

// PublishFill pushes a settled fill to the global and per-maker feeds.
func (h *Hub) PublishFill(rec rfq.FillRecord) {
	h.publish(WSEvent{Type: "fill", Data: rec}, ChannelFills, MakerChannel(rec.Maker))
}

// PublishCancel pushes a processed cancel to the global and per-maker feeds.
func (h *Hub) PublishCancel(rec rfq.CancelRecord) {
	h.publish(WSEvent{Type: "cancel", Data: rec}, ChannelCancels, MakerChannel(rec.Maker))
}

func (h *Hub) publish(event WSEvent, channels ...string) {
	message, err := json.Marshal(event)
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sess := range h.sessions {
		if !sess.onAnyFeed(channels) {
			continue
		}
		select {
		case sess.send <- message:
		default:
			// Slow consumer; drop the event rather than stall settlement
		}
	}
}

func (h *Hub) attach(sess *session) {
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	total := len(h.sessions)
	h.mu.Unlock()
	log.Printf("[ws] session connected: %s (total: %d)", sess.id, total)
}

// detach closes the session's send channel under the hub lock, so publish
// never races a closed channel.
func (h *Hub) detach(sess *session) {
	h.mu.Lock()
	if _, ok := h.sessions[sess]; ok {
		delete(h.sessions, sess)
		close(sess.send)
	}
	total := len(h.sessions)
	h.mu.Unlock()
	log.Printf("[ws] session disconnected: %s (total: %d)", sess.id, total)
}

// session is one WebSocket connection plus its feed subscriptions.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	feedsMu sync.RWMutex
	feeds   map[string]bool
}

func (s *session) onAnyFeed(channels []string) bool {
	s.feedsMu.RLock()
	defer s.feedsMu.RUnlock()
	for _, ch := range channels {
		if s.feeds[ch] {
			return true
		}
	}
	return false
}

func (s *session) subscribe(channel string) {
	s.feedsMu.Lock()
	s.feeds[channel] = true
	s.feedsMu.Unlock()
	log.Printf("[ws] session %s subscribed to %s", s.id, channel)
}

func (s *session) unsubscribe(channel string) {
	s.feedsMu.Lock()
	delete(s.feeds, channel)
	s.feedsMu.Unlock()
	log.Printf("[ws] session %s unsubscribed from %s", s.id, channel)
}

// readLoop consumes subscribe/unsubscribe requests until the peer goes away,
// then detaches the session.
func (s *session) readLoop() {
	defer func() {
		s.hub.detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Printf("[ws] invalid message: %v", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				s.subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				s.unsubscribe(channel)
			}
		default:
			log.Printf("[ws] unknown op: %s", req.Op)
		}
	}
}

// writeLoop drains the send channel onto the wire and keeps the connection
// alive with pings. Queued events coalesce into one frame per write.
func (s *session) writeLoop() {
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

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			for i := len(s.send); i > 0; i-- {
				w.Write([]byte{'\n'})
				w.Write(<-s.send)
			}
			if err := w.Close(); err != nil {
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

// handleWebSocket upgrades the connection and starts the session loops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	sess := &session{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   conn.RemoteAddr().String(),
		feeds: map[string]bool{
			ChannelFills:   true,
			ChannelCancels: true,
		},
	}
	s.hub.attach(sess)

	go sess.writeLoop()
	go sess.readLoop()
}
