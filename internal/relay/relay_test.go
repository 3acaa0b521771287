package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"zulipnotify/internal/storage"
	"zulipnotify/internal/zulip"
	logx "zulipnotify/pkg/logx"
)

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		level logx.Level
		msg   string
	}{
		{in: "CRITICAL: database unreachable", level: logx.LevelCritical, msg: "database unreachable"},
		{in: "[ERROR] disk full", level: logx.LevelError, msg: "disk full"},
		{in: "WARN cache cold", level: logx.LevelWarn, msg: "cache cold"},
		{in: "error: timeout", level: logx.LevelError, msg: "timeout"},
		{in: "<2>kernel panic", level: logx.LevelCritical, msg: "kernel panic"},
		{in: "<6>started", level: logx.LevelInfo, msg: "started"},
		{in: "<7>tick", level: logx.LevelDebug, msg: "tick"},
		{in: "Info about the deploy", level: logx.LevelWarn, msg: "Info about the deploy"},
		{in: "plain text", level: logx.LevelWarn, msg: "plain text"},
		{in: "[unknown] thing", level: logx.LevelWarn, msg: "[unknown] thing"},
		{in: `{"level":"fatal","msg":"boom"}`, level: logx.LevelCritical, msg: "boom"},
		{in: `{"severity":"info","message":"ok","time":"x"}`, level: logx.LevelInfo, msg: "ok"},
		{in: `{not json`, level: logx.LevelWarn, msg: `{not json`},
		{in: `{"level":50,"msg":"db down"}`, level: logx.LevelError, msg: "db down"},
		{in: `{"level":60,"msg":"oom"}`, level: logx.LevelCritical, msg: "oom"},
		{in: `{"level":40,"msg":"slow"}`, level: logx.LevelWarn, msg: "slow"},
		{in: `{"level":30,"msg":"ok"}`, level: logx.LevelInfo, msg: "ok"},
		{in: `{"level":10,"msg":"t"}`, level: logx.LevelTrace, msg: "t"},
		{in: `{"severity":2,"message":"kernel"}`, level: logx.LevelCritical, msg: "kernel"},
		{in: `{"level":3,"msg":"disk"}`, level: logx.LevelError, msg: "disk"},
		{in: `{"level":"50","msg":"quoted"}`, level: logx.LevelError, msg: "quoted"},
		{in: `{"level":9,"msg":"odd"}`, level: logx.LevelWarn, msg: "odd"},
		{in: `{"level":"err","msg":"alias"}`, level: logx.LevelError, msg: "alias"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := ParseLine(tt.in, logx.LevelWarn)
			if got.Level != tt.level || got.Message != tt.msg {
				t.Fatalf("ParseLine(%q) = (%v, %q), want (%v, %q)", tt.in, got.Level, got.Message, tt.level, tt.msg)
			}
		})
	}
}

func TestParseLineStripsRecordKeys(t *testing.T) {
	t.Parallel()
	tests := []string{
		`{"level":50,"msg":"db down","pid":7}`,
		`{"level":"bogus","severity":"error","msg":"db down","pid":7}`,
		`{"lvl":true,"message":42,"msg":"db down","time":1,"pid":7}`,
	}
	for _, in := range tests {
		ln := ParseLine(in, logx.LevelInfo)
		if len(ln.Fields) != 1 || ln.Fields["pid"] != float64(7) {
			t.Fatalf("ParseLine(%s).Fields = %v, want only pid", in, ln.Fields)
		}
	}
}

func TestParseLineJSONFields(t *testing.T) {
	t.Parallel()
	ln := ParseLine(`{"level":"error","message":"x","host":"db1","code":7,"timestamp":"t"}`, logx.LevelInfo)
	if len(ln.Fields) != 2 || ln.Fields["host"] != "db1" {
		t.Fatalf("fields=%v", ln.Fields)
	}
	if got := len(ln.fields()); got != 2 {
		t.Fatalf("fields()=%d", got)
	}
}

// recordingDialer captures each request written through an in-memory conn.
type recordingDialer struct {
	mu   sync.Mutex
	reqs [][]byte
	wg   sync.WaitGroup
}

func (d *recordingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	client, server := net.Pipe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		b, _ := io.ReadAll(server)
		_ = server.Close()
		d.mu.Lock()
		d.reqs = append(d.reqs, b)
		d.mu.Unlock()
	}()
	return client, nil
}

func (d *recordingDialer) requests() [][]byte {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.reqs...)
}

type fakeSystemd struct {
	mu     sync.Mutex
	states []string
}

func (f *fakeSystemd) Notify(state string) (bool, error) {
	f.mu.Lock()
	f.states = append(f.states, state)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeSystemd) WatchdogInterval() (time.Duration, error) { return 0, nil }

func (f *fakeSystemd) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const relayConfig = `{
  "zulip": {"host": "chat.example.com", "login": "bot@example.com", "token": "abc", "destination": "ops", "topic": "alerts"},
  "logging": {"level": "debug", "console": false, "zulip": {"enabled": true, "min_level": "error"}}
}`

func TestRelayForwardsRecordsAtOrAboveMinLevel(t *testing.T) {
	d := &recordingDialer{}
	sd := &fakeSystemd{}
	in := strings.NewReader(strings.Join([]string{
		"INFO service started",
		"CRITICAL: database unreachable",
		"",
		"<4>slow query",
		"[ERROR] replica lagging",
	}, "\n"))

	r, err := New(Options{
		ConfigPath:   writeConfig(t, relayConfig),
		Input:        in,
		DefaultLevel: logx.LevelInfo,
		ZulipOptions: []zulip.Option{zulip.WithDialer(d)},
		Systemd:      sd,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := d.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests=%d, want 2", len(reqs))
	}
	if !bytes.Contains(reqs[0], []byte("database+unreachable")) {
		t.Fatalf("first request missing critical line:\n%s", reqs[0])
	}
	if !bytes.Contains(reqs[1], []byte("replica+lagging")) {
		t.Fatalf("second request missing error line:\n%s", reqs[1])
	}
	for _, req := range reqs {
		if !bytes.HasPrefix(req, []byte("POST /api/v1/messages HTTP/1.1\r\n")) {
			t.Fatalf("unexpected request line:\n%s", req)
		}
		if !bytes.Contains(req, []byte("&subject=alerts")) {
			t.Fatalf("topic missing:\n%s", req)
		}
	}

	if st := r.Stats(); st.Sent != 2 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
	states := sd.seen()
	if len(states) < 2 || states[0] != StateReady || states[len(states)-1] != StateStopping {
		t.Fatalf("systemd states=%v", states)
	}
}

func TestRelayReloadSwapsDestination(t *testing.T) {
	d := &recordingDialer{}
	path := writeConfig(t, relayConfig)
	pr, pw := io.Pipe()

	r, err := New(Options{
		ConfigPath:   path,
		Input:        pr,
		DefaultLevel: logx.LevelInfo,
		ZulipOptions: []zulip.Option{zulip.WithDialer(d)},
		Systemd:      &fakeSystemd{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Rewrite until the watcher picks it up; it may not be running yet.
	updated := strings.Replace(relayConfig, `"destination": "ops"`, `"destination": "oncall"`, 1)
	deadline := time.Now().Add(5 * time.Second)
	for r.Notifier().Config().Destination != "oncall" {
		if time.Now().After(deadline) {
			t.Fatal("config reload not applied")
		}
		if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(400 * time.Millisecond)
	}

	if _, err := io.WriteString(pw, "CRITICAL: after reload\n"); err != nil {
		t.Fatal(err)
	}
	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := d.requests()
	if len(reqs) != 1 || !bytes.Contains(reqs[0], []byte("to=oncall")) {
		t.Fatalf("requests=%q", reqs)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{"zulip": {"host": "chat.example.com"}}`)
	if _, err := New(Options{ConfigPath: path, Systemd: &fakeSystemd{}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecentDeliveriesReadsJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := strings.Replace(relayConfig, `"logging"`,
		`"storage": {"driver": "file", "path": "`+filepath.ToSlash(filepath.Join(dir, "journal"))+`"},
  "logging"`, 1)
	path := writeConfig(t, cfg)

	d := &recordingDialer{}
	r, err := New(Options{
		ConfigPath:   path,
		Input:        strings.NewReader("CRITICAL: first\nERROR second\n"),
		ZulipOptions: []zulip.Option{zulip.WithDialer(d)},
		Systemd:      &fakeSystemd{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := RecentDeliveries(ctx, path, 10)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(got) != 2 || got[0].Level != "error" || got[1].Level != "critical" {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestRecentDeliveriesWithoutStorage(t *testing.T) {
	t.Parallel()
	_, err := RecentDeliveries(context.Background(), writeConfig(t, relayConfig), 10)
	if !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("err = %v, want storage.ErrDisabled", err)
	}
}
