package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/irl-lan/chatrelay/internal/frame"
	"github.com/irl-lan/chatrelay/internal/metrics"
	"github.com/irl-lan/chatrelay/internal/registry"
)

// startReader launches the goroutine that decodes frames from one client
// connection and submits each as a broadcast to the relay.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, rec *registry.Record, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			payload, err := s.Codec.Decode(conn)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					default:
						continue
					}
				}
				if errors.Is(err, frame.ErrFrameTooLarge) || errors.Is(err, frame.ErrInvalidLength) || errors.Is(err, frame.ErrTruncatedFrame) {
					metrics.IncMalformed()
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			metrics.IncTCPRx()

			if err := s.Relay.Submit(context.Background(), rec.ID, payload); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrRelaySend, err)
				metrics.IncError(mapErrToMetric(wrap))
				logger.Warn("relay_submit_failed", "error", wrap)
				return
			}

			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
