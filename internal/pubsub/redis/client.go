package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/portalchat/internal/pubsub"
)

const subscriptionBuffer = 256

// Client is the production pub/sub broker over Redis channels. One Redis
// channel per topic; Redis guarantees FIFO per channel and drops messages for
// disconnected subscribers, which matches the at-most-once contract.
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.cli.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	ps := c.cli.Subscribe(ctx, topic)
	// Receive confirms the SUBSCRIBE before the caller relies on delivery.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := &subscription{ps: ps, out: make(chan []byte, subscriptionBuffer)}
	go sub.pump(ps.Channel())
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan []byte
	once sync.Once
}

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for msg := range in {
		s.out <- []byte(msg.Payload)
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
