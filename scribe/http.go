package scribe

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/interlog/session"
	"github.com/bosley/interlog/transcript"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Largest provider message accepted over HTTP or websocket
	maxMessageSize = 1 << 20

	maxKeyLen = 128
)

type wsConnection struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	done      chan struct{}
	scribe    *Scribe
	closeOnce sync.Once
}

// Handler returns the HTTP API and websocket router.
func (s *Scribe) Handler() http.Handler {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{sessionID}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{sessionID}/config", s.handleConfigure).Methods("PUT")
	api.HandleFunc("/sessions/{sessionID}/events", s.handleEvent).Methods("POST")
	api.HandleFunc("/sessions/{sessionID}/transcript", s.handleTranscript).Methods("GET")
	api.HandleFunc("/sessions/{sessionID}/flush", s.handleFlush).Methods("POST")
	api.HandleFunc("/captures/{sessionID}", s.handleClearCapture).Methods("DELETE")

	router.HandleFunc("/ws/{sessionID}", s.handleWebSocket)

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// validKey accepts the characters a capture file name keeps unchanged.
func validKey(key string) bool {
	if key == "" || len(key) > maxKeyLen {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// sessionKey extracts and validates the {sessionID} route variable.
func sessionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := mux.Vars(r)["sessionID"]
	if !validKey(key) {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func (s *Scribe) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	key, ok := sessionKey(w, r)
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions.Get(key)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Scribe) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID != "" && !validKey(req.ID) {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Create(req.ID)
	if errors.Is(err, session.ErrExists) {
		http.Error(w, "Session already exists", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	armed := false
	if req.SessionID != "" || len(req.Categories) > 0 {
		armed = sess.Configure(req.SessionID, req.Categories)
	}

	slog.Info("Session created",
		"session", sess.Key(),
		"armed", armed)

	writeJSON(w, http.StatusCreated, ConfigureResponse{ID: sess.Key(), Armed: armed})
}

func (s *Scribe) handleListSessions(w http.ResponseWriter, r *http.Request) {
	keys := s.sessions.List()
	statuses := make([]session.Status, 0, len(keys))
	for _, key := range keys {
		if sess, ok := s.sessions.Get(key); ok {
			statuses = append(statuses, sess.Status())
		}
	}

	slog.Debug("Sending session list", "numSessions", len(statuses))
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Scribe) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	p, err := s.sessions.Remove(key)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	s.broadcast(key, MessageFlushed, p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Scribe) handleConfigure(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req ConfigureRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if sess.Flushed() {
		http.Error(w, "Session already flushed", http.StatusConflict)
		return
	}

	armed := sess.Configure(req.SessionID, req.Categories)
	writeJSON(w, http.StatusOK, ConfigureResponse{ID: sess.Key(), Armed: armed})
}

func (s *Scribe) handleEvent(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	ev, err := session.Decode(raw)
	if err != nil {
		slog.Debug("Rejected provider message", "session", key, "error", err)
		http.Error(w, "Invalid provider message", http.StatusBadRequest)
		return
	}

	sess, err := s.deliver(key, ev)
	if err != nil {
		slog.Debug("Dropping provider message for removed session", "session", key, "type", ev.Type.String())
		http.Error(w, "Session was removed", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, EventResponse{Type: ev.Type.String(), Flushed: sess.Flushed()})
}

// deliver hands ev to the session for key, creating the session on first
// contact, and announces the payload when ev ended the call.
func (s *Scribe) deliver(key string, ev session.Event) (*session.Session, error) {
	sess, err := s.sessions.GetOrCreate(key)
	if err != nil {
		return nil, err
	}
	wasFlushed := sess.Flushed()
	sess.Handle(ev)
	if !wasFlushed && sess.Flushed() {
		p, _ := sess.Flush()
		s.broadcast(key, MessageFlushed, p)
	}
	return sess, nil
}

func (s *Scribe) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Lines())
}

func (s *Scribe) handleFlush(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	p, first, err := s.sessions.Flush(key)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if first {
		s.broadcast(key, MessageFlushed, p)
	}
	writeJSON(w, http.StatusOK, FlushResponse{First: first, Payload: p})
}

func (s *Scribe) handleClearCapture(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	if s.capture == nil {
		http.Error(w, "Capture is disabled", http.StatusNotFound)
		return
	}
	if err := s.capture.Clear(key); err != nil {
		slog.Error("Failed to clear capture", "error", err, "session", key)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Scribe) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}

	sess, err := s.sessions.GetOrCreate(key)
	if err != nil {
		slog.Debug("Refusing websocket for removed session", "session", key)
		http.Error(w, "Session was removed", http.StatusNotFound)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn:      conn,
		sessionID: key,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		scribe:    s,
	}

	s.registerSubscriber(key, wsConn)

	// Start the connection handlers
	go wsConn.writePump()
	go wsConn.readPump()

	// Catch the subscriber up on the live log.
	if data, err := encodeMessage(key, MessageLines, sess.Lines()); err == nil {
		wsConn.enqueue(data)
	}
}

func (s *Scribe) registerSubscriber(key string, wsConn *wsConnection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[key] = append(s.subscribers[key], wsConn)
}

func (s *Scribe) unregisterSubscriber(key string, wsConn *wsConnection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	connections := s.subscribers[key]
	for i, conn := range connections {
		if conn == wsConn {
			connections = append(connections[:i:i], connections[i+1:]...)
			break
		}
	}

	if len(connections) == 0 {
		delete(s.subscribers, key)
	} else {
		s.subscribers[key] = connections
	}
}

func encodeMessage(key, typ string, payload any) ([]byte, error) {
	return json.Marshal(WebSocketMessage{
		Type:      typ,
		SessionID: key,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// broadcastLines is the sessions' live log hook. It runs under the session
// lock, so sends never block.
func (s *Scribe) broadcastLines(key string, lines []transcript.Line) {
	s.broadcast(key, MessageLines, lines)
}

func (s *Scribe) broadcast(key, typ string, payload any) {
	s.subMu.RLock()
	connections := s.subscribers[key]
	s.subMu.RUnlock()

	if len(connections) == 0 {
		return
	}

	data, err := encodeMessage(key, typ, payload)
	if err != nil {
		slog.Error("Failed to marshal message", "error", err, "session", key)
		return
	}
	for i, conn := range connections {
		if !conn.enqueue(data) {
			slog.Warn("Failed to send to subscriber - channel full",
				"session", key,
				"connectionIndex", i)
		}
	}
}

func (c *wsConnection) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConnection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds provider messages received on the socket into the session.
func (c *wsConnection) readPump() {
	defer func() {
		c.scribe.unregisterSubscriber(c.sessionID, c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := session.Decode(raw)
		if err != nil {
			slog.Warn("Dropping undecodable provider message",
				"session", c.sessionID,
				"error", err)
			continue
		}
		if _, err := c.scribe.deliver(c.sessionID, ev); err != nil {
			slog.Debug("Closing websocket for removed session", "session", c.sessionID)
			break
		}
	}
}
