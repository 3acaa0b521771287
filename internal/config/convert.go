package config

import (
	"errors"
	"fmt"
	"strings"

	"zulipnotify/internal/storage"
	"zulipnotify/internal/zulip"
	logx "zulipnotify/pkg/logx"
)

// TokenEnv supplies zulip.token when the file leaves it empty.
const TokenEnv = "ZULIP_TOKEN"

// DefaultHeartbeatMessage is used when heartbeat.message is empty.
const DefaultHeartbeatMessage = "zulipnotify relay is alive"

// ApplyEnv fills secrets from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c == nil || getenv == nil {
		return
	}
	if strings.TrimSpace(c.Zulip.Token) == "" {
		c.Zulip.Token = strings.TrimSpace(getenv(TokenEnv))
	}
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	z := c.Zulip
	if strings.TrimSpace(z.Host) == "" {
		errs = append(errs, errors.New("zulip.host is required"))
	} else if strings.ContainsAny(z.Host, "/: ") {
		errs = append(errs, fmt.Errorf("zulip.host %q must be a bare hostname (port 443 is implied)", z.Host))
	}
	if strings.TrimSpace(z.Login) == "" {
		errs = append(errs, errors.New("zulip.login is required"))
	}
	if strings.TrimSpace(z.Token) == "" {
		errs = append(errs, fmt.Errorf("zulip.token is required (or set %s)", TokenEnv))
	}
	if strings.TrimSpace(z.Destination) == "" {
		errs = append(errs, errors.New("zulip.destination is required"))
	}
	if _, err := ParseDurationField("zulip.timeout", z.Timeout); err != nil {
		errs = append(errs, err)
	}

	if err := checkLevel("logging.level", c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	lz := c.Logging.Zulip
	if err := checkLevel("logging.zulip.min_level", lz.MinLevel); err != nil {
		errs = append(errs, err)
	}
	if lz.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.zulip.rate_per_sec must be >= 0"))
	}
	if lz.DedupMaxEntries < 0 {
		errs = append(errs, errors.New("logging.zulip.dedup_max_entries must be >= 0"))
	}
	if _, err := ParseDurationField("logging.zulip.dedup_window", lz.DedupWindow); err != nil {
		errs = append(errs, err)
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver %q is not one of none|file|sqlite", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if h := c.Heartbeat; h != nil && h.Enabled && strings.TrimSpace(h.Schedule) == "" {
		errs = append(errs, errors.New("heartbeat.schedule is required when heartbeat is enabled"))
	}
	return errors.Join(errs...)
}

func checkLevel(path, v string) error {
	if strings.TrimSpace(v) == "" || logx.IsLevel(v) {
		return nil
	}
	return fmt.Errorf("%s: unknown level %q", path, v)
}

// NotifierConfig converts the zulip section.
func (c *Config) NotifierConfig() (zulip.Config, error) {
	timeout, err := ParseDurationField("zulip.timeout", c.Zulip.Timeout)
	if err != nil {
		return zulip.Config{}, err
	}
	return zulip.Config{
		Host:        strings.TrimSpace(c.Zulip.Host),
		Login:       strings.TrimSpace(c.Zulip.Login),
		Token:       c.Zulip.Token,
		Destination: c.Zulip.Destination,
		Topic:       c.Zulip.Topic,
		Timeout:     timeout,
	}, nil
}

// LogConfig converts the logging section.
func (c *Config) LogConfig() (logx.Config, error) {
	lz := c.Logging.Zulip
	window, err := ParseDurationField("logging.zulip.dedup_window", lz.DedupWindow)
	if err != nil {
		return logx.Config{}, err
	}
	bubble := true
	if lz.Bubble != nil {
		bubble = *lz.Bubble
	}
	minLevel := lz.MinLevel
	if strings.TrimSpace(minLevel) == "" {
		minLevel = "critical"
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Zulip: logx.ZulipConfig{
			Enabled:         lz.Enabled,
			MinLevel:        minLevel,
			Bubble:          bubble,
			RatePerSec:      lz.RatePerSec,
			DedupWindow:     window,
			DedupMaxEntries: lz.DedupMaxEntries,
		},
	}, nil
}

// StoreConfig converts the storage section. A missing section disables storage.
func (c *Config) StoreConfig() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:         c.Storage.Driver,
		Path:           c.Storage.Path,
		BusyTimeout:    busy,
		KeepDeliveries: c.Storage.KeepDeliveries,
	}, nil
}

// HeartbeatMessage returns the configured message or the default.
func (h *HeartbeatConfig) HeartbeatMessage() string {
	if h == nil || strings.TrimSpace(h.Message) == "" {
		return DefaultHeartbeatMessage
	}
	return h.Message
}
