package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/powershare/energymatch/shared/events"
)

// Client wraps NATS connection with additional functionality
type Client struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	reconnects atomic.Int64
}

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient creates a new NATS client
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	client := &Client{}
	opts = append(opts, nats.ReconnectHandler(func(*nats.Conn) {
		client.reconnects.Add(1)
	}))

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client.conn = conn
	client.js = js
	return client, nil
}

// EnsureStream creates the stream if it does not exist yet. The duplicate
// window lets JetStream drop redelivered events carrying the same Nats-Msg-Id.
func (c *Client) EnsureStream(name string, subjects []string, dedupWindow time.Duration) error {
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Sink returns a JetStream-backed sink publishing under subjectPrefix.
func (c *Client) Sink(subjectPrefix string) *NATSSink {
	return NewNATSSink(c.js, subjectPrefix)
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

type jetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSink publishes each event to "<prefix>.<event type>" with the event id as
// Nats-Msg-Id, so the stream discards duplicates inside its window.
type NATSSink struct {
	js     jetStreamPublisher
	prefix string
}

func NewNATSSink(js jetStreamPublisher, subjectPrefix string) *NATSSink {
	return &NATSSink{js: js, prefix: subjectPrefix}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e events.Event) string {
	if s.prefix == "" {
		return e.Type
	}
	return s.prefix + "." + e.Type
}

func (s *NATSSink) Publish(ctx context.Context, evs []events.Event) error {
	for _, e := range evs {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
		}
		msg := nats.NewMsg(s.Subject(e))
		msg.Data = payload
		msg.Header.Set(nats.MsgIdHdr, e.ID.String())

		if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
	}
	return nil
}
