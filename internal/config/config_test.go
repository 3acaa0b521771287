package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
zulip:
  host: chat.example.com
  login: bot@chat.example.com
  destination: ops
  topic: production
  timeout: 5s
logging:
  level: info
  console: true
  zulip:
    enabled: true
    rate_per_sec: 2
    dedup_window: 1m
storage:
  driver: sqlite
  path: ./relay.db
heartbeat:
  enabled: true
  schedule: "@daily"
`

func TestDecodeYAMLAndConvert(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("relay.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cfg.ApplyEnv(func(k string) string {
		if k == TokenEnv {
			return "s3cret"
		}
		return ""
	})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	nc, err := cfg.NotifierConfig()
	if err != nil {
		t.Fatalf("NotifierConfig: %v", err)
	}
	if nc.Host != "chat.example.com" || nc.Token != "s3cret" || nc.Topic != "production" || nc.Timeout != 5*time.Second {
		t.Fatalf("notifier config = %+v", nc)
	}

	lc, err := cfg.LogConfig()
	if err != nil {
		t.Fatalf("LogConfig: %v", err)
	}
	if !lc.Zulip.Enabled || !lc.Zulip.Bubble || lc.Zulip.MinLevel != "critical" || lc.Zulip.DedupWindow != time.Minute {
		t.Fatalf("log config = %+v", lc.Zulip)
	}

	sc, err := cfg.StoreConfig()
	if err != nil || sc.Driver != "sqlite" || sc.Path != "./relay.db" {
		t.Fatalf("store config = %+v, %v", sc, err)
	}
	if got := cfg.Heartbeat.HeartbeatMessage(); got != DefaultHeartbeatMessage {
		t.Fatalf("heartbeat message = %q", got)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		raw  string
	}{
		{name: "unknown yaml key", path: "c.yml", raw: "zulip:\n  host: a\n  port: 8443\n"},
		{name: "unknown json key", path: "c.json", raw: `{"zulip":{"host":"a"},"telegram":{}}`},
		{name: "trailing json", path: "c.json", raw: `{"zulip":{"host":"a"}}{"zulip":{}}`},
		{name: "bad yaml", path: "c.yaml", raw: "zulip: [unclosed"},
		{name: "second yaml document", path: "c.yaml", raw: "zulip:\n  host: a\n---\nzulip:\n  host: b\n"},
		{name: "non-string yaml key", path: "c.yaml", raw: "zulip:\n  host: a\n  1: x\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.raw)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestDecodeErrorsNameFormatAndFile(t *testing.T) {
	t.Parallel()
	_, err := Decode("/etc/zulipnotify/relay.yaml", []byte("zulip:\n  1: x\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"yaml config relay.yaml", "zulip: key 1 is not a string"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err = %q, want it to contain %q", err, want)
		}
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("relay.yml", nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Zulip.Host != "" || cfg.Storage != nil {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Zulip:     ZulipConfig{Host: "chat.example.com:443", Timeout: "soon"},
		Logging:   LoggingConfig{Level: "loud", Zulip: LoggingZulip{RatePerSec: -1}},
		Storage:   &StorageConfig{Driver: "redis"},
		Heartbeat: &HeartbeatConfig{Enabled: true},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"zulip.host", "zulip.login", "zulip.token", "zulip.destination", "zulip.timeout",
		"logging.level", "rate_per_sec", "storage.driver", "heartbeat.schedule",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateAcceptsLevelAliases(t *testing.T) {
	t.Parallel()
	for _, lvl := range []string{"fatal", "crit", "err", "NOTICE"} {
		cfg := &Config{
			Zulip:   ZulipConfig{Host: "chat.example.com", Login: "bot@example.com", Token: "t", Destination: "ops"},
			Logging: LoggingConfig{Level: lvl, Zulip: LoggingZulip{MinLevel: lvl}},
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("level %q: %v", lvl, err)
		}
	}
	cfg := &Config{
		Zulip:   ZulipConfig{Host: "chat.example.com", Login: "bot@example.com", Token: "t", Destination: "ops"},
		Logging: LoggingConfig{Level: "loud"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown level accepted")
	}
}

func TestLogConfigExplicitBubble(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &Config{Logging: LoggingConfig{Zulip: LoggingZulip{Enabled: true, MinLevel: "error", Bubble: &off}}}
	lc, err := cfg.LogConfig()
	if err != nil {
		t.Fatalf("LogConfig: %v", err)
	}
	if lc.Zulip.Bubble || lc.Zulip.MinLevel != "error" {
		t.Fatalf("zulip = %+v", lc.Zulip)
	}
}

func TestSummarizeChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Zulip: ZulipConfig{Host: "a", Token: "old-secret"}}
	newCfg := &Config{
		Zulip:     ZulipConfig{Host: "a", Token: "new-secret"},
		Heartbeat: &HeartbeatConfig{Enabled: true, Schedule: "1h"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "zulip,heartbeat" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := fmt.Sprint(changed); strings.Contains(got, "secret") {
		t.Fatalf("secret leaked: %s", got)
	}

	if changed, _ := SummarizeChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func writeConfig(t *testing.T, path, dest string) {
	t.Helper()
	raw := fmt.Sprintf(`{"zulip":{"host":"chat.example.com","login":"bot@x.com","token":"t","destination":%q}}`, dest)
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.json")
	writeConfig(t, path, "ops")

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Zulip.Destination != "ops" || m.Get() != cfg {
		t.Fatalf("loaded = %+v", cfg.Zulip)
	}

	rejected := errors.New("no dev streams")
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Zulip.Destination == "dev" {
			return rejected
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before editing.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, path, "dev")
	time.Sleep(600 * time.Millisecond)
	writeConfig(t, path, "alerts")

	select {
	case got := <-ch:
		if got.Zulip.Destination != "alerts" {
			t.Fatalf("published destination = %q", got.Zulip.Destination)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Zulip.Destination != "alerts" {
		t.Fatalf("committed destination = %q", m.Get().Zulip.Destination)
	}
}
