package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr      string
	roomName        string
	logFormat       string
	logLevel        string
	metricsAddr     string
	outBuffer       int
	relayPolicy     string
	logMetricsEvery time.Duration
	maxClients      int
	backlog         int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	discoveryAddr   string
	discoveryOff    bool
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":7000", "TCP listen address")
	room := flag.String("room", "lan-chat", "Room name advertised to discovery probes")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	outBuf := flag.Int("out-buffer", 64, "Per-client outbound message buffer")
	relayPolicy := flag.String("relay-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	maxClients := flag.Int("max-clients", 0, "Maximum clients admitted over the server's lifetime; disconnected clients keep their slot (0 = unlimited)")
	backlog := flag.Int("backlog", 16, "TCP listen backlog")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client username handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 10*time.Minute, "Per-connection read deadline")
	discoveryAddr := flag.String("discovery-addr", "", "UDP discovery listen address (default: same port as -listen)")
	discoveryOff := flag.Bool("discovery-disable", false, "Disable the UDP discovery responder")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement in addition to UDP discovery")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default chat-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.roomName = *room
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.outBuffer = *outBuf
	cfg.relayPolicy = *relayPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.backlog = *backlog
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.discoveryAddr = *discoveryAddr
	cfg.discoveryOff = *discoveryOff
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.relayPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid relay-policy: %s", c.relayPolicy)
	}
	if c.outBuffer <= 0 {
		return fmt.Errorf("out-buffer must be > 0 (got %d)", c.outBuffer)
	}
	if c.backlog < 16 {
		return fmt.Errorf("backlog must be >= 16 (got %d)", c.backlog)
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if len(c.roomName) > 31 {
		return fmt.Errorf("room name must fit in 31 bytes (got %d)", len(c.roomName))
	}
	return nil
}

// applyEnvOverrides maps CHAT_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("CHAT_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["room"]; !ok {
		if v, ok := get("CHAT_SERVER_ROOM"); ok && v != "" {
			c.roomName = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CHAT_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CHAT_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CHAT_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["out-buffer"]; !ok {
		if v, ok := get("CHAT_SERVER_OUT_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.outBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_OUT_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["relay-policy"]; !ok {
		if v, ok := get("CHAT_SERVER_RELAY_POLICY"); ok && v != "" {
			c.relayPolicy = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("CHAT_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["backlog"]; !ok {
		if v, ok := get("CHAT_SERVER_BACKLOG"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.backlog = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_BACKLOG: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("CHAT_SERVER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("CHAT_SERVER_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["discovery-addr"]; !ok {
		if v, ok := get("CHAT_SERVER_DISCOVERY_ADDR"); ok {
			c.discoveryAddr = v
		}
	}
	if _, ok := set["discovery-disable"]; !ok {
		if v, ok := get("CHAT_SERVER_DISCOVERY_DISABLE"); ok && v != "" {
			c.discoveryOff = parseBoolLoose(v, c.discoveryOff)
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CHAT_SERVER_MDNS_ENABLE"); ok && v != "" {
			c.mdnsEnable = parseBoolLoose(v, c.mdnsEnable)
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CHAT_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CHAT_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}

func parseBoolLoose(v string, cur bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return cur
	}
}
