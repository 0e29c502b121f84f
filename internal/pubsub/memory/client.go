package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/pubsub"
)

const subscriptionBuffer = 256

// Client is the in-process broker used by -dev mode and tests. FIFO per
// topic; a subscriber whose buffer is full loses the message (at-most-once,
// like a disconnected Redis subscriber).
type Client struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	closed bool
}

func New() *Client {
	return &Client{topics: make(map[string]map[*subscription]struct{})}
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	subs := make([]*subscription, 0, len(c.topics[topic]))
	for s := range c.topics[topic] {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.out <- payload:
		default:
			logger.Errorf("pubsub memory: subscriber buffer full, dropping message topic=%s", topic)
		}
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	s := &subscription{
		client: c,
		topic:  topic,
		out:    make(chan []byte, subscriptionBuffer),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("pubsub memory: client closed")
	}
	if c.topics[topic] == nil {
		c.topics[topic] = make(map[*subscription]struct{})
	}
	c.topics[topic][s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	all := make([]*subscription, 0)
	for _, subs := range c.topics {
		for s := range subs {
			all = append(all, s)
		}
	}
	c.topics = make(map[string]map[*subscription]struct{})
	c.mu.Unlock()

	for _, s := range all {
		s.closeChan()
	}
	return nil
}

type subscription struct {
	client *Client
	topic  string
	out    chan []byte
	once   sync.Once
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	s.client.mu.Lock()
	if subs, ok := s.client.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.client.topics, s.topic)
		}
	}
	s.client.mu.Unlock()
	s.closeChan()
	return nil
}

func (s *subscription) closeChan() {
	s.once.Do(func() { close(s.out) })
}
