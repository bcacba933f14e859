package main

import (
	"log/slog"

	"github.com/irl-lan/chatrelay/internal/display"
	"github.com/irl-lan/chatrelay/internal/registry"
	"github.com/irl-lan/chatrelay/internal/relay"
)

// initRegistryAndRelay builds the client table and its single-transmitter
// broadcast core from the parsed configuration. sink is the server's
// display pane; the transmitter writes each relayed payload to it exactly
// once per broadcast, the same sink the accept loop writes admission
// lines to.
func initRegistryAndRelay(cfg *appConfig, l *slog.Logger, sink display.Sink) (*registry.Registry, *relay.Relay) {
	reg := registry.New(cfg.maxClients)

	var policy relay.BackpressurePolicy
	switch cfg.relayPolicy {
	case "kick":
		policy = relay.PolicyKick
	case "drop":
		policy = relay.PolicyDrop
	default:
		l.Warn("unknown_relay_policy", "policy", cfg.relayPolicy, "used", "drop")
		policy = relay.PolicyDrop
	}

	rl := relay.New(reg, policy, relay.WithDisplay(sink))
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("relay_config", "policy", cfg.relayPolicy, "out_buffer", cfg.outBuffer, "max_clients", cfg.maxClients)
	return reg, rl
}
