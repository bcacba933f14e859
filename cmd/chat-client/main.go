package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/irl-lan/chatrelay/internal/chatclient"
	"github.com/irl-lan/chatrelay/internal/discovery"
	"github.com/irl-lan/chatrelay/internal/display"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("chat-client %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	sink := display.NewConsoleSink(os.Stdin, os.Stdout)

	if cfg.discover {
		runDiscoverMode(cfg, l, sink)
		return
	}

	cl, err := chatclient.Dial(cfg.serverAddr, cfg.username, sink)
	if err != nil {
		l.Error("dial_failed", "addr", cfg.serverAddr, "error", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := cl.Run(ctx); err != nil {
		l.Error("client_run_error", "error", err)
		os.Exit(1)
	}
}

// runDiscoverMode implements the client's discovery-probe CLI mode (§6.3):
// broadcast a probe, display each reply as it's received, then display a
// timeout line and wait for a keypress before exiting. It never
// auto-connects; the operator re-runs the client with -addr once they've
// picked a server from the printed replies, mirroring search_servers in
// the original broadcast client.
func runDiscoverMode(cfg *appConfig, l *slog.Logger, sink *display.ConsoleSink) {
	l.Info("discovery_probe_start", "broadcast", cfg.discoverAddr)
	_, err := discovery.Probe(cfg.discoverAddr, cfg.discoverTO, func(reply discovery.Reply) {
		host := reply.ServerAddr
		if h, _, splitErr := net.SplitHostPort(reply.ServerAddr); splitErr == nil {
			host = h
		}
		sink.Lock()
		sink.Write(fmt.Sprintf("Received reply from %s: %s", host, reply.RoomName))
		sink.Unlock()
	})
	if err != nil {
		l.Error("discovery_probe_failed", "error", err)
		os.Exit(1)
	}

	sink.Lock()
	sink.Write("Timed out - press any key")
	sink.Unlock()
	waitForKeypress(os.Stdin)
}

// waitForKeypress blocks until a single byte is available on r, standing
// in for the original client's wgetch call on a plain stdio terminal.
func waitForKeypress(r *os.File) {
	buf := bufio.NewReader(r)
	_, _ = buf.ReadByte()
}
