package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/irl-lan/chatrelay/internal/frame"
)

// usernameHandshake reads the first frame on a fresh connection and treats
// its payload as the username, per the original protocol where the first
// message a client sends after connecting is its username.
func usernameHandshake(ctx context.Context, conn net.Conn, codec *frame.Codec, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	type result struct {
		name string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		payload, err := codec.Decode(conn)
		resCh <- result{name: string(payload), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			return "", fmt.Errorf("handshake: %w", res.err)
		}
		if res.name == "" {
			return "", fmt.Errorf("handshake: empty username")
		}
		return res.name, nil
	}
}
