package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/irl-lan/chatrelay/internal/discovery"
	"github.com/irl-lan/chatrelay/internal/display"
	"github.com/irl-lan/chatrelay/internal/metrics"
	"github.com/irl-lan/chatrelay/internal/server"
)

// Helper implementations in dedicated files: version.go, config.go, logger.go,
// relay_init.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("chat-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	sink := display.NewConsoleSink(bytes.NewReader(nil), os.Stdout)
	reg, rl := initRegistryAndRelay(cfg, l, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	go rl.Run(ctx)

	srv := server.NewServer(
		server.WithRegistry(reg),
		server.WithRelay(rl),
		server.WithDisplay(sink),
		server.WithListenAddr(cfg.listenAddr),
		server.WithLogger(l),
		server.WithBacklog(cfg.backlog),
		server.WithOutBufSize(cfg.outBuffer),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}

	port := listenPort(srv.Addr())

	var responder *discovery.Responder
	if !cfg.discoveryOff {
		discAddr := cfg.discoveryAddr
		if discAddr == "" {
			discAddr = fmt.Sprintf(":%d", port)
		}
		var err error
		responder, err = discovery.NewResponder(discAddr, cfg.roomName)
		if err != nil {
			l.Warn("discovery_responder_start_failed", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := responder.Serve(ctx); err != nil {
					l.Warn("discovery_responder_error", "error", err)
				}
			}()
			go func() { <-ctx.Done(); _ = responder.Close() }()
			l.Info("discovery_responder_listening", "addr", responder.Addr().String(), "room", cfg.roomName)
		}
	}

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.handshakeTO+2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	wg.Wait()
}

func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, perr := strconv.Atoi(addr[i+1:]); perr == nil {
			return pn
		}
	}
	return 0
}
