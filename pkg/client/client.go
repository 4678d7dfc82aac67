// Package client provides a thin wire-protocol client for talking to a
// zaichik broker over raw TCP.
package client

import (
	"bufio"
	"net"

	"github.com/adred-codev/zaichik-broker/internal/protocol"
)

// Client wraps one TCP connection to a broker, framing every call
// through internal/protocol.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Connect dials addr and returns a Client ready to send commands.
func Connect(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// ReadMessage blocks for the next frame the broker sends, most
// commonly a Publish delivery.
func (c *Client) ReadMessage() (protocol.Frame, error) {
	return protocol.Decode(c.r)
}

// CreateTopic requests a topic with the given retention and compaction
// windows, in milliseconds (zero disables either window).
func (c *Client) CreateTopic(name string, retentionTTLMillis, compactionWindowMillis uint64) error {
	return protocol.Encode(c.conn, protocol.NewCreateTopic(name, retentionTTLMillis, compactionWindowMillis))
}

// Subscribe joins name's stream, starting from its current retained
// buffer.
func (c *Client) Subscribe(name string) error {
	return protocol.Encode(c.conn, protocol.NewSubscribe(name))
}

// Unsubscribe leaves name's stream.
func (c *Client) Unsubscribe(name string) error {
	return protocol.Encode(c.conn, protocol.NewUnsubscribe(name))
}

// Publish sends payload to name. key is optional and, when set, scopes
// compaction dedup.
func (c *Client) Publish(name string, key *string, payload []byte) error {
	return protocol.Encode(c.conn, protocol.NewPublish(name, key, payload))
}

// Commit signals readiness for the next queued delivery across every
// subscribed topic on this connection.
func (c *Client) Commit() error {
	return protocol.Encode(c.conn, protocol.NewCommit())
}

// Close sends a CloseConnection frame and closes the underlying
// socket.
func (c *Client) Close() error {
	_ = protocol.Encode(c.conn, protocol.NewCloseConnection())
	return c.conn.Close()
}
