package server

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/irl-lan/chatrelay/internal/metrics"
	"github.com/irl-lan/chatrelay/internal/registry"
)

// startWriter launches the goroutine draining one client's outbound queue
// and writing each message as its own frame, immediately, with no batching:
// chat messages are interactive and small, unlike the bulk CAN traffic this
// loop was originally built for.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, rec *registry.Record, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			rec.MarkClosed()
			_ = conn.Close()
			s.clientsMu.Lock()
			delete(s.clients, rec)
			s.clientsMu.Unlock()
			s.totalDisconnected.Add(1)
			metrics.SetActiveClients(s.Registry.ActiveCount())
			logger.Info("client_disconnected", "username", rec.Username, "client_id", rec.ID)
		}()
		for {
			select {
			case payload := <-rec.Out:
				if _, err := s.Codec.EncodeTo(conn, payload); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					return
				}
				metrics.AddTCPTx(1)
			case <-rec.Done():
				return
			case <-ctxDone:
				return
			}
		}
	}()
}
