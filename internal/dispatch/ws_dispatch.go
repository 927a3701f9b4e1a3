package dispatch

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Topics a socket can subscribe to.
func UserTopic(userID string) string { return "user:" + userID }
func TripTopic(tripID string) string { return "trip:" + tripID }

type jsonConn interface {
	WriteJSON(v any) error
	Close() error
}

// wsSession serialises writes; gorilla connections allow one writer at a time.
type wsSession struct {
	conn jsonConn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live sockets by topic. A topic may have several sockets
// (a rider with two devices, everyone watching a trip).
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string][]*wsSession
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{
		sessions: make(map[string][]*wsSession),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.With("component", "ws"),
	}
}

// Add subscribes conn to topic and returns the function that unsubscribes it.
func (r *WSRegistry) Add(topic string, conn jsonConn) (remove func()) {
	s := &wsSession{conn: conn}
	r.mu.Lock()
	r.sessions[topic] = append(r.sessions[topic], s)
	r.mu.Unlock()
	return func() { r.remove(topic, s) }
}

func (r *WSRegistry) remove(topic string, s *wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[topic]
	for i, c := range list {
		if c == s {
			r.sessions[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.sessions[topic]) == 0 {
		delete(r.sessions, topic)
	}
}

// Send writes payload to every socket on topic and returns how many took it.
// Sockets that fail a write are dropped.
func (r *WSRegistry) Send(topic string, payload any) int {
	r.mu.RLock()
	list := append([]*wsSession(nil), r.sessions[topic]...)
	r.mu.RUnlock()

	delivered := 0
	for _, s := range list {
		if err := s.send(payload); err != nil {
			r.logger.Warn("ws send failed, dropping socket", "topic", topic, "err", err)
			r.remove(topic, s)
			_ = s.conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (r *WSRegistry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[topic])
}

// Serve upgrades the request, subscribes the socket to topic and blocks
// until the client goes away.
func (r *WSRegistry) Serve(w http.ResponseWriter, req *http.Request, topic string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("ws upgrade failed", "topic", topic, "err", err)
		return
	}
	remove := r.Add(topic, conn)
	r.logger.Debug("ws connected", "topic", topic)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	remove()
	_ = conn.Close()
	r.logger.Debug("ws disconnected", "topic", topic)
}
