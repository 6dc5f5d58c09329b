package bridge

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type requester interface {
	publisher
	Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

// Client plays the host side of the boundary, for replay and testing.
type Client struct {
	conn     requester
	subjects Subjects
	timeout  time.Duration
}

func NewClient(nc *nats.Conn, subjects Subjects, timeout time.Duration) *Client {
	return &Client{conn: nc, subjects: subjects, timeout: timeout}
}

// RequestFlow submits a new flow and waits for its verdict. A deferred flow
// times out unless it is resolved within the client timeout.
func (c *Client) RequestFlow(attrs map[string]string) (bool, error) {
	data, err := EncodeAttributes(attrs)
	if err != nil {
		return false, err
	}
	msg, err := c.conn.Request(c.subjects.Flows, data, c.timeout)
	if err != nil {
		return false, fmt.Errorf("flow %s: %w", attrs["id"], err)
	}
	_, allow, err := DecodeVerdict(msg.Data)
	return allow, err
}

// SendDNS publishes a DNS payload.
func (c *Client) SendDNS(attrs map[string]string) error {
	return c.send(c.subjects.DNS, attrs)
}

// SendReport publishes a flow report.
func (c *Client) SendReport(attrs map[string]string) error {
	return c.send(c.subjects.Reports, attrs)
}

func (c *Client) send(subject string, attrs map[string]string) error {
	data, err := EncodeAttributes(attrs)
	if err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}
