package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type appConfig struct {
	serverAddr   string
	username     string
	logFormat    string
	logLevel     string
	discover     bool
	discoverAddr string
	discoverTO   time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	addr := flag.String("addr", "", "Chat server address (host:port); required unless -discover is set")
	username := flag.String("username", "", "Username to join as; required")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "warn", "Log level: debug|info|warn|error")
	discover := flag.Bool("discover", false, "Locate a server via LAN UDP discovery instead of -addr")
	discoverAddr := flag.String("discover-broadcast", "255.255.255.255:20000", "Broadcast address:port to probe")
	discoverTO := flag.Duration("discover-timeout", 5*time.Second, "How long to wait for discovery replies")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serverAddr = *addr
	cfg.username = *username
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.discover = *discover
	cfg.discoverAddr = *discoverAddr
	cfg.discoverTO = *discoverTO

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if *showVersion {
		return cfg, true
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, false
	}
	return cfg, false
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.username == "" {
		return errors.New("-username is required")
	}
	if !c.discover && c.serverAddr == "" {
		return errors.New("-addr is required unless -discover is set")
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
	if c.discoverTO <= 0 {
		return errors.New("discover-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps CHAT_CLIENT_* environment variables to config
// fields unless a corresponding flag was explicitly set.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["addr"]; !ok {
		if v, ok := get("CHAT_CLIENT_ADDR"); ok && v != "" {
			c.serverAddr = v
		}
	}
	if _, ok := set["username"]; !ok {
		if v, ok := get("CHAT_CLIENT_USERNAME"); ok && v != "" {
			c.username = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CHAT_CLIENT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CHAT_CLIENT_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["discover"]; !ok {
		if v, ok := get("CHAT_CLIENT_DISCOVER"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.discover = true
			case "0", "false", "no", "off":
				c.discover = false
			}
		}
	}
	if _, ok := set["discover-broadcast"]; !ok {
		if v, ok := get("CHAT_CLIENT_DISCOVER_BROADCAST"); ok && v != "" {
			c.discoverAddr = v
		}
	}
	return nil
}
