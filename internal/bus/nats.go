// Package bus publishes pipeline stage events on NATS for downstream
// consumers. Notifications are best effort and never fail an invocation.
package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// Client publishes pipeline notifications. A nil *Client is a disabled
// notifier: every publish is a no-op.
type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c != nil && c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	if c == nil || c.nc == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}
