package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufSize    = 256
)

// Session is one connected viewer of a conversation. It only receives:
// deltas for its conversation topic plus its role-inbox feed. Incoming
// frames are drained solely to service pings and detect close.
// Lifecycle: NewSession -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity model.Identity
	topics   []string

	// done is used as a non-blocking guard in sendToSession.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewSession(hub *Hub, conn *websocket.Conn, identity model.Identity, projectID string) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufSize),
		identity: identity,
		topics: []string{
			pubsub.ConversationTopic(projectID),
			pubsub.RoleInboxTopic(identity.Role),
		},
		done: make(chan struct{}),
	}
}

// Start launches both pump goroutines with controlled lifecycle.
func (s *Session) Start(ctx context.Context, cancel context.CancelFunc) {
	s.cancel = cancel
	s.wg.Add(2)
	go s.writePump(ctx)
	go s.readPump()
}

// Wait blocks until both pump goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close signals the session to stop. Safe to call multiple times from any
// goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// readPump drains the connection. The stream is one-way; anything the viewer
// sends besides control frames is ignored.
func (s *Session) readPump() {
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", s.identity.UserID, err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", s.identity.UserID, err)
			}
			return
		}
	}
}

// writePump forwards delta payloads to the viewer. Payloads arrive already
// JSON-encoded from the broker, so they are written verbatim.
func (s *Session) writePump(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := s.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", s.identity.UserID, err)
			}
			return
		case payload := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", s.identity.UserID, err)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", s.identity.UserID, err)
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
