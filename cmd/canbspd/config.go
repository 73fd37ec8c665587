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
	backend         string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	queueDepth      int
	priorityLevels  int
	rxRingDepth     int
	mailboxes       int
	rxMode          string
	loopback        bool
	silent          bool
	txEvery         time.Duration
	rxEvery         time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "sim", "CAN backend: sim|slcan|socketcan")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=slcan)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	queueDepth := flag.Int("queue-depth", 32, "TX entry pool depth (divisible by priority levels)")
	priorityLevels := flag.Int("priority-levels", 4, "TX priority levels: 2|4|8")
	rxRingDepth := flag.Int("rx-ring", 64, "RX ring depth (power of two)")
	mailboxes := flag.Int("mailboxes", 3, "Hardware TX mailboxes emulated by the backend")
	rxMode := flag.String("rx-mode", "buffered", "RX delivery: buffered|callback")
	loopback := flag.Bool("loopback", false, "Feed transmitted frames back through the RX path")
	silent := flag.Bool("silent", false, "Listen-only mode; transmissions are rejected")
	txEvery := flag.Duration("tx-interval", 0, "If >0, generate a test transmission at this interval")
	rxEvery := flag.Duration("rx-interval", 0, "If >0 and --backend=sim, inject a received frame at this interval")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canbspd-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.queueDepth = *queueDepth
	cfg.priorityLevels = *priorityLevels
	cfg.rxRingDepth = *rxRingDepth
	cfg.mailboxes = *mailboxes
	cfg.rxMode = *rxMode
	cfg.loopback = *loopback
	cfg.silent = *silent
	cfg.txEvery = *txEvery
	cfg.rxEvery = *rxEvery
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
// It does not attempt to open devices or listeners, only checks values/ranges.
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
	switch c.backend {
	case "sim", "slcan", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.rxMode {
	case "buffered", "callback":
	default:
		return fmt.Errorf("invalid rx-mode: %s", c.rxMode)
	}
	switch c.priorityLevels {
	case 2, 4, 8:
	default:
		return fmt.Errorf("priority-levels must be 2, 4 or 8 (got %d)", c.priorityLevels)
	}
	if c.queueDepth <= 0 || c.queueDepth%c.priorityLevels != 0 {
		return fmt.Errorf("queue-depth must be > 0 and divisible by priority-levels (got %d)", c.queueDepth)
	}
	if c.rxRingDepth <= 0 || c.rxRingDepth&(c.rxRingDepth-1) != 0 {
		return fmt.Errorf("rx-ring must be a power of two (got %d)", c.rxRingDepth)
	}
	if c.mailboxes <= 0 {
		return fmt.Errorf("mailboxes must be > 0 (got %d)", c.mailboxes)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.silent && c.txEvery > 0 {
		return fmt.Errorf("tx-interval is pointless in silent mode")
	}
	if c.rxEvery > 0 && c.backend != "sim" {
		return fmt.Errorf("rx-interval requires --backend=sim")
	}
	return nil
}

// applyEnvOverrides maps CANBSPD_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored;
// durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= min {
				*dst = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("backend", "CANBSPD_BACKEND", &c.backend)
	str("can-if", "CANBSPD_IF", &c.canIf)
	str("serial", "CANBSPD_SERIAL", &c.serialDev)
	num("baud", "CANBSPD_BAUD", &c.baud, 1)
	dur("serial-read-timeout", "CANBSPD_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("log-format", "CANBSPD_LOG_FORMAT", &c.logFormat)
	str("log-level", "CANBSPD_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANBSPD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "CANBSPD_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	num("queue-depth", "CANBSPD_QUEUE_DEPTH", &c.queueDepth, 1)
	num("priority-levels", "CANBSPD_PRIORITY_LEVELS", &c.priorityLevels, 1)
	num("rx-ring", "CANBSPD_RX_RING", &c.rxRingDepth, 1)
	num("mailboxes", "CANBSPD_MAILBOXES", &c.mailboxes, 1)
	str("rx-mode", "CANBSPD_RX_MODE", &c.rxMode)
	boolean("loopback", "CANBSPD_LOOPBACK", &c.loopback)
	boolean("silent", "CANBSPD_SILENT", &c.silent)
	dur("tx-interval", "CANBSPD_TX_INTERVAL", &c.txEvery)
	dur("rx-interval", "CANBSPD_RX_INTERVAL", &c.rxEvery)
	boolean("mdns-enable", "CANBSPD_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "CANBSPD_MDNS_NAME", &c.mdnsName)
	return firstErr
}
