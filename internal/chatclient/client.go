// Package chatclient implements the client side of the chat relay
// protocol: a username handshake followed by two concurrent goroutines,
// one sending lines typed by the user and one displaying lines received
// from the server, sharing a display.Sink and its lock exactly as the
// original ncurses client shared its draw mutex.
package chatclient

import (
	"context"
	"fmt"
	"net"

	"github.com/irl-lan/chatrelay/internal/display"
	"github.com/irl-lan/chatrelay/internal/frame"
	"github.com/irl-lan/chatrelay/internal/logging"
)

// Client holds one connected chat session.
type Client struct {
	conn     net.Conn
	codec    frame.Codec
	sink     display.Sink
	username string
}

// Dial connects to addr, sends username as the handshake frame, and
// returns a ready-to-run Client.
func Dial(addr, username string, sink display.Sink) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, sink: sink, username: username}
	if _, err := c.codec.EncodeTo(conn, []byte(username)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("chatclient: send username: %w", err)
	}
	sink.Write(fmt.Sprintf("[info] connected as %s", username))
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Run starts the send and receive loops and blocks until the receive loop
// exits (the connection closes or ctx is cancelled, which closes the
// connection). The send loop is not waited for: it may be blocked in the
// sink's Prompt, and it ends on its own once Prompt or a send fails.
func (c *Client) Run(ctx context.Context) error {
	go c.sendLoop(ctx)
	go func() { <-ctx.Done(); _ = c.conn.Close() }()

	c.receiveLoop()
	return nil
}

// sendLoop reads lines from the sink, frames and sends them, then echoes
// the sent line locally under the sink's lock, mirroring the original's
// send_thread_loop (send, then draw_mutex-guarded local echo).
func (c *Client) sendLoop(ctx context.Context) {
	for {
		line, err := c.sink.Prompt("> ")
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		formatted := fmt.Sprintf("[%s] %s", c.username, line)
		if _, err := c.codec.EncodeTo(c.conn, []byte(formatted)); err != nil {
			logging.L().Warn("chatclient_send_failed", "error", err)
			return
		}
		c.sink.Lock()
		c.sink.Write(formatted)
		c.sink.ClearInput()
		c.sink.Unlock()
	}
}

// receiveLoop decodes frames from the server and displays them under the
// sink's lock, mirroring receive_thread_loop.
func (c *Client) receiveLoop() {
	for {
		payload, err := c.codec.Decode(c.conn)
		if err != nil {
			c.sink.Lock()
			c.sink.Write("[info] connection closed")
			c.sink.Unlock()
			return
		}
		c.sink.Lock()
		c.sink.Write(string(payload))
		c.sink.Unlock()
	}
}
