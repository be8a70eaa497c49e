package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-astm-link/internal/astm"
)

type appConfig struct {
	transport       string
	listenAddr      string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	timeout         time.Duration
	interval        time.Duration
	encoding        string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	transport := flag.String("transport", "tcp", "Physical layer: tcp|serial")
	listen := flag.String("listen", ":20000", "TCP listen address (when --transport=tcp)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --transport=serial)")
	baud := flag.Int("baud", 9600, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	timeout := flag.Duration("session-timeout", 20*time.Second, "Countdown re-armed on session progress")
	interval := flag.Duration("heartbeat-interval", 0, "If >0, enables the idle heartbeat producer")
	encoding := flag.String("encoding", "ascii", "Frame payload encoding: ascii|windows-1251|utf-8")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection TCP read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default astm-gateway-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.transport = *transport
	cfg.listenAddr = *listen
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.timeout = *timeout
	cfg.interval = *interval
	cfg.encoding = *encoding
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.clientReadTO = *clientReadTO
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
// It does not attempt to open devices or listeners — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.transport {
	case "tcp", "serial":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
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
	switch c.encoding {
	case "ascii", "windows-1251", "utf-8":
	default:
		return fmt.Errorf("invalid encoding: %s", c.encoding)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.timeout <= 0 {
		return fmt.Errorf("session-timeout must be > 0")
	}
	if c.interval < 0 {
		return fmt.Errorf("heartbeat-interval must be >= 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps ASTM_GATEWAY_* environment variables to config
// fields unless a corresponding flag was explicitly set. Boolean and
// numeric parsing is lax: empty values ignored. Duration accepts Go
// time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["transport"]; !ok {
		if v, ok := get("ASTM_GATEWAY_TRANSPORT"); ok && v != "" {
			c.transport = v
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("ASTM_GATEWAY_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("ASTM_GATEWAY_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("ASTM_GATEWAY_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASTM_GATEWAY_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("ASTM_GATEWAY_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASTM_GATEWAY_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["session-timeout"]; !ok {
		if v, ok := get("ASTM_GATEWAY_SESSION_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.timeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASTM_GATEWAY_SESSION_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["heartbeat-interval"]; !ok {
		if v, ok := get("ASTM_GATEWAY_HEARTBEAT_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.interval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASTM_GATEWAY_HEARTBEAT_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["encoding"]; !ok {
		if v, ok := get("ASTM_GATEWAY_ENCODING"); ok && v != "" {
			c.encoding = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ASTM_GATEWAY_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("ASTM_GATEWAY_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ASTM_GATEWAY_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("ASTM_GATEWAY_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASTM_GATEWAY_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("ASTM_GATEWAY_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASTM_GATEWAY_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("ASTM_GATEWAY_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("ASTM_GATEWAY_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func (c *appConfig) parseEncoding() (astm.Encoding, error) {
	switch c.encoding {
	case "ascii":
		return astm.ASCII, nil
	case "windows-1251":
		return astm.Windows1251, nil
	case "utf-8":
		return astm.UTF8, nil
	default:
		return 0, fmt.Errorf("invalid encoding: %s", c.encoding)
	}
}
