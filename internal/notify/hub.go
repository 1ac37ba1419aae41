package notify

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
	sendBuffer   = 32
	operatorsKey = ""
)

// Message is the envelope written to live push subscribers.
type Message struct {
	Type     string               `json:"type"`
	Progress *model.ProgressEvent `json:"progress,omitempty"`
	Alert    *model.Alert         `json:"alert,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the live push channel. Progress events are routed to the
// subscribers of the event's requester; alerts go to operator subscribers.
// A subscriber that cannot keep up loses messages rather than blocking
// publishers.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub creates a Hub. An empty allowedOrigins list, or one containing "*",
// accepts every origin.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{subs: make(map[string]map[*subscriber]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// PublishProgress implements Publisher.
func (h *Hub) PublishProgress(ev model.ProgressEvent) {
	if ev.RequesterID == "" {
		return
	}
	h.broadcast(ev.RequesterID, Message{Type: "progress", Progress: &ev})
}

// PublishAlert implements Publisher.
func (h *Hub) PublishAlert(a model.Alert) {
	h.broadcast(operatorsKey, Message{Type: "alert", Alert: &a})
}

func (h *Hub) broadcast(key string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		zap.L().Error("notify: marshal push message", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[key] {
		select {
		case s.send <- data:
		default:
			zap.L().Warn("notify: push subscriber too slow, dropping message", zap.String("type", msg.Type))
		}
	}
}

// Subscribers returns how many connections listen for requesterID.
func (h *Hub) Subscribers(requesterID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requesterID])
}

// Operators returns how many connections listen for alerts.
func (h *Hub) Operators() int {
	return h.Subscribers(operatorsKey)
}

// ServeProgress upgrades the request and streams requesterID's progress
// events until the client disconnects.
func (h *Hub) ServeProgress(w http.ResponseWriter, r *http.Request, requesterID string) {
	if requesterID == "" {
		http.Error(w, "requester is required", http.StatusBadRequest)
		return
	}
	h.serve(w, r, requesterID)
}

// ServeAlerts upgrades the request and streams operator alerts.
func (h *Hub) ServeAlerts(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, operatorsKey)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(key, s)
	defer h.remove(key, s)

	done := make(chan struct{})
	go h.writeLoop(s, done)
	h.readLoop(s)
	close(done)
}

// readLoop discards client frames and returns when the connection closes.
func (h *Hub) readLoop(s *subscriber) {
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close() //nolint:errcheck
	}()
	for {
		select {
		case <-done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(key string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(key string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[key], s)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
}
