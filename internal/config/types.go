package config

// Config is the on-disk configuration (JSON or YAML).
//
// Example (YAML):
//
//	zulip:
//	  host: chat.example.com
//	  login: alerts-bot@chat.example.com
//	  token: "..."            # or ZULIP_TOKEN
//	  destination: ops
//	  topic: production
//	  timeout: 10s
//	logging:
//	  level: info
//	  console: true
//	  zulip: { enabled: true, min_level: critical, rate_per_sec: 1, dedup_window: 5m }
//	storage: { driver: sqlite, path: ./zulipnotify.db }
//	heartbeat: { enabled: true, schedule: "@daily", message: "relay alive" }
type Config struct {
	Zulip   ZulipConfig   `json:"zulip"`
	Logging LoggingConfig `json:"logging"`

	Storage   *StorageConfig   `json:"storage,omitempty"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// ZulipConfig describes the server and destination records are posted to.
// Token is a secret: it is never logged or included in change summaries.
type ZulipConfig struct {
	Host        string `json:"host"`
	Login       string `json:"login"`
	Token       string `json:"token,omitempty"`
	Destination string `json:"destination"`
	Topic       string `json:"topic,omitempty"`
	// Timeout is a Go duration string bounding dial+write of one send.
	// Empty or "0s" disables it.
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Zulip   LoggingZulip `json:"zulip"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingZulip controls the Zulip log handler.
//
// Defaults (when fields are omitted/zero):
//   - min_level: "critical"
//   - bubble: true
//   - rate_per_sec: 0 (unlimited)
//   - dedup_window: "0s" (disabled)
//   - dedup_max_entries: 2000
type LoggingZulip struct {
	Enabled  bool   `json:"enabled"`
	MinLevel string `json:"min_level,omitempty"`
	// Bubble is a pointer so an omitted value can default to true.
	Bubble          *bool  `json:"bubble,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./zulipnotify_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// KeepDeliveries caps the delivery journal; 0 keeps 10000 entries.
	KeepDeliveries int `json:"keep_deliveries,omitempty"`
}

// HeartbeatConfig sends a fixed message on a schedule so silence on the
// stream can be told apart from a dead relay.
//
// Schedule accepts cron ("0 9 * * *", "@daily") or an interval ("6h", "02:30").
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Message  string `json:"message,omitempty"`
}
