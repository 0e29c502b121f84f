// Package ws delivers the delta stream to connected viewers. The WebSocket is
// subscribe-only: commands travel over HTTP, so a viewer session never writes
// into the channel it reads (the read side of the capability split).
package ws

import (
	"context"
	"sync"

	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/metrics"
	"github.com/portalchat/internal/pubsub"
)

// Hub owns viewer sessions and one broker subscription per live topic.
// Deltas for a topic reach every session attached to it in publish order;
// topics are independent of each other.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	subs     map[string]*topicSub
	total    int
	maxConns int

	broker pubsub.Subscriber

	register   chan *Session
	unregister chan *Session
	done       chan struct{}
}

type topicSub struct {
	sub    pubsub.Subscription
	cancel context.CancelFunc
}

func NewHub(broker pubsub.Subscriber, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		sessions:   make(map[string]map[*Session]struct{}),
		subs:       make(map[string]*topicSub),
		maxConns:   maxConns,
		broker:     broker,
		register:   make(chan *Session, 64),
		unregister: make(chan *Session, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case s := <-h.register:
			h.addSession(ctx, s)
		case s := <-h.unregister:
			h.removeSession(s)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect sessions under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	seen := make(map[*Session]struct{}, h.total)
	for _, sessions := range h.sessions {
		for s := range sessions {
			seen[s] = struct{}{}
		}
	}
	subs := make([]*topicSub, 0, len(h.subs))
	for _, ts := range h.subs {
		subs = append(subs, ts)
	}
	h.sessions = make(map[string]map[*Session]struct{})
	h.subs = make(map[string]*topicSub)
	h.total = 0
	h.mu.Unlock()

	for _, ts := range subs {
		ts.cancel()
		if err := ts.sub.Close(); err != nil {
			logger.Errorf("ws close subscription: %v", err)
		}
	}
	for s := range seen {
		s.Close()
	}
	for s := range seen {
		s.Wait()
	}
	metrics.WSSessions.Set(0)
}

func (h *Hub) addSession(ctx context.Context, s *Session) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, s.identity.UserID)
		s.Close()
		return
	}
	needSub := make([]string, 0, len(s.topics))
	for _, topic := range s.topics {
		if _, ok := h.sessions[topic]; !ok {
			h.sessions[topic] = make(map[*Session]struct{})
		}
		h.sessions[topic][s] = struct{}{}
		if _, ok := h.subs[topic]; !ok {
			// Reserve the slot under the lock; subscribe outside it.
			h.subs[topic] = nil
			needSub = append(needSub, topic)
		}
	}
	h.total++
	h.mu.Unlock()
	metrics.WSSessions.Inc()

	for _, topic := range needSub {
		h.openTopic(ctx, topic)
	}
}

// openTopic subscribes the hub to a broker topic and pumps its payloads to
// every attached session.
func (h *Hub) openTopic(ctx context.Context, topic string) {
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := h.broker.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		logger.Errorf("ws subscribe topic=%s: %v", topic, err)
		h.mu.Lock()
		delete(h.subs, topic)
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	// The slot reserved in addSession may be gone: the last session can leave
	// (or the hub shut down) while Subscribe was in flight. Installing the sub
	// anyway would leak it on a session-less topic, so drop it instead.
	ts, reserved := h.subs[topic]
	if !reserved || ts != nil || len(h.sessions[topic]) == 0 {
		if reserved && ts == nil {
			delete(h.subs, topic)
		}
		h.mu.Unlock()
		cancel()
		if err := sub.Close(); err != nil {
			logger.Errorf("ws close subscription: %v", err)
		}
		return
	}
	h.subs[topic] = &topicSub{sub: sub, cancel: cancel}
	h.mu.Unlock()

	go func() {
		for payload := range sub.Messages() {
			h.fanOut(topic, payload)
		}
	}()
}

func (h *Hub) fanOut(topic string, payload []byte) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[topic]))
	for s := range h.sessions[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.sendToSession(s, payload)
	}
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	found := false
	emptied := make([]*topicSub, 0, len(s.topics))
	for _, topic := range s.topics {
		sessions, ok := h.sessions[topic]
		if !ok {
			continue
		}
		if _, exists := sessions[s]; !exists {
			continue
		}
		found = true
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.sessions, topic)
			if ts := h.subs[topic]; ts != nil {
				emptied = append(emptied, ts)
			}
			delete(h.subs, topic)
		}
	}
	if found {
		h.total--
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	for _, ts := range emptied {
		ts.cancel()
		if err := ts.sub.Close(); err != nil {
			logger.Errorf("ws close subscription: %v", err)
		}
	}
	if found {
		metrics.WSSessions.Dec()
	}
	s.Close()
}

func (h *Hub) sendToSession(s *Session, payload []byte) {
	select {
	case s.send <- payload:
	case <-s.done:
	default:
		// Backpressure: send buffer full, close slow viewer. It will
		// re-fetch the authoritative log on reconnect.
		logger.Errorf("ws send buffer full, closing slow session user=%s", s.identity.UserID)
		s.Close()
	}
}

func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.done:
		s.Close()
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}
