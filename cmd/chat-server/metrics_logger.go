package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/irl-lan/chatrelay/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"relay_drops", snap.Drops,
					"relay_kicks", snap.Kicks,
					"relay_rejects", snap.Rejects,
					"active_clients", snap.ActiveClients,
					"fanout", snap.Fanout,
					"malformed", snap.Malformed,
					"probes_answered", snap.ProbesAnswered,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
