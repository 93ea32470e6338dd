package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 45 * time.Second
	pingPeriod     = 15 * time.Second
	maxPayloadSize = 64 * 1024
	sendBuffer     = 64
)

// Session is one live WebSocket connection, pre- or post-identity binding.
type Session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	mu        sync.Mutex
	userID    string
	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn) *Session {
	return &Session{
		id:     uuid.NewString(),
		server: server,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
}

func (s *Session) SessionID() string { return s.id }

// UserID returns the bound identity, empty until identity-announce.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// Enqueue marshals an event frame onto the send queue. Returns false when the
// queue is full or the session is closing; the event is dropped, not queued.
func (s *Session) Enqueue(event string, data json.RawMessage) bool {
	raw, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return false
	}
	select {
	case s.send <- raw:
		return true
	default:
		slog.Debug("Dropped event for slow session", "session", s.id, "event", event)
		return false
	}
}

// Evict force-closes the transport with a close frame carrying the reason.
// Used when a newer session binds the same user.
func (s *Session) Evict(reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
}

func (s *Session) readLoop() {
	defer func() {
		s.server.dropSession(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxPayloadSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			slog.Warn("Malformed frame dropped", "session", s.id, "error", err)
			continue
		}
		s.server.handleFrame(s, frame)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case raw, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := newSession(srv, conn)
	srv.dispatch.Register(s)
	srv.connectCounter.Add(r.Context(), 1)
	slog.Debug("Session connected", "session", s.id)
	s.run()
}
