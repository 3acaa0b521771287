// Package relay runs the long-lived forwarder: input lines become log
// records, and the Zulip log handler decides which of them are posted.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"zulipnotify/internal/config"
	"zulipnotify/internal/heartbeat"
	"zulipnotify/internal/runtime/supervisor"
	"zulipnotify/internal/storage"
	"zulipnotify/internal/zulip"
	logx "zulipnotify/pkg/logx"
)

const (
	maxLineBytes = 1 << 20
	stopTimeout  = 5 * time.Second
)

// Options configures a Relay.
type Options struct {
	ConfigPath string
	// Input is read line by line. Nil runs without input (heartbeat only).
	Input io.Reader
	// Follow keeps running after Input hits EOF.
	Follow bool
	// DefaultLevel applies to lines without a recognizable level.
	DefaultLevel logx.Level
	// ZulipOptions are passed to every zulip.New (custom dialer, TLS roots).
	ZulipOptions []zulip.Option
	// Systemd receives service state changes. Nil uses sd_notify.
	Systemd StateNotifier
}

// Relay wires config, storage, logging, the Zulip notifier and heartbeats.
type Relay struct {
	opts Options
	cfgm *config.Manager

	mu       sync.Mutex
	cfg      *config.Config
	notifier *zulip.Notifier

	logSvc *logx.Service
	log    logx.Logger
	store  storage.Store
	hb     *heartbeat.Service
	sd     StateNotifier
}

// New loads and validates the config and builds every component. Nothing
// is sent until Run.
func New(opts Options) (*Relay, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	r := &Relay{opts: opts, cfgm: cfgm, cfg: cfg, sd: opts.Systemd}
	if r.sd == nil {
		r.sd = systemdNotifier{}
	}

	n, err := r.buildNotifier(cfg)
	if err != nil {
		return nil, err
	}
	r.notifier = n

	logCfg, err := cfg.LogConfig()
	if err != nil {
		return nil, err
	}
	stCfg, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	// The logging service is not up yet; storage reports to the console.
	st, err := storage.Open(stCfg, logx.NewConsole(logCfg.Level).With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	r.store = st

	var dedup logx.Store
	if st != nil {
		dedup = st
	}
	r.logSvc, r.log = logx.New(logCfg, n, dedup)

	r.hb = heartbeat.New(r.log, n)
	if err := r.hb.Apply(heartbeatConfig(cfg)); err != nil {
		r.close()
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	cfgm.SetLogger(r.log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := r.buildNotifier(c); err != nil {
			return err
		}
		if hb := heartbeatConfig(c); hb.Enabled {
			if _, err := heartbeat.ParseSchedule(hb.Schedule); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
		return nil
	})
	return r, nil
}

func (r *Relay) buildNotifier(cfg *config.Config) (*zulip.Notifier, error) {
	nc, err := cfg.NotifierConfig()
	if err != nil {
		return nil, err
	}
	n, err := zulip.New(nc, r.opts.ZulipOptions...)
	if err != nil {
		return nil, fmt.Errorf("zulip notifier: %w", err)
	}
	return n, nil
}

func heartbeatConfig(cfg *config.Config) heartbeat.Config {
	if cfg == nil || cfg.Heartbeat == nil {
		return heartbeat.Config{}
	}
	return heartbeat.Config{
		Enabled:  cfg.Heartbeat.Enabled,
		Schedule: cfg.Heartbeat.Schedule,
		Message:  cfg.Heartbeat.HeartbeatMessage(),
	}
}

// Config returns the active configuration.
func (r *Relay) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Notifier returns the active notifier.
func (r *Relay) Notifier() *zulip.Notifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifier
}

// Logger returns the root logger of the relay.
func (r *Relay) Logger() logx.Logger { return r.log }

// Stats returns the Zulip handler counters.
func (r *Relay) Stats() logx.ZulipStats { return r.logSvc.Stats() }

// Run forwards input until ctx is done, or until EOF unless Follow is set.
func (r *Relay) Run(ctx context.Context) error {
	defer r.close()
	sup := supervisor.New(ctx, r.log.With(logx.String("comp", "supervisor")))
	ctx = sup.Context()

	updates := r.cfgm.Subscribe(1)
	defer r.cfgm.Unsubscribe(updates)
	sup.GoRestart("config.watch", r.cfgm.Watch)
	sup.Go("config.reload", func(ctx context.Context) error {
		r.reloadLoop(ctx, updates)
		return nil
	})
	sup.Go("systemd.watchdog", func(ctx context.Context) error {
		r.watchdogLoop(ctx)
		return nil
	})

	r.hb.Start(ctx)
	defer r.hb.Stop()

	r.notifyState(StateReady)
	r.log.Info("relay started",
		logx.String("zulip", r.Notifier().String()),
		logx.String("config", r.cfgm.Path()),
	)

	var runErr error
	if r.opts.Input != nil {
		runErr = r.readLoop(ctx, r.opts.Input)
		if runErr == nil && r.opts.Follow {
			<-ctx.Done()
		}
	} else {
		<-ctx.Done()
	}

	r.notifyState(StateStopping)
	st := r.Stats()
	r.log.Info("relay stopping",
		logx.Uint64("sent", st.Sent),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("rate_limited", st.RateLimited),
		logx.Uint64("deduped", st.Deduped),
	)
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		r.log.Warn("background tasks did not stop cleanly", logx.Err(err))
	}
	return runErr
}

func (r *Relay) readLoop(ctx context.Context, in io.Reader) error {
	lineLog := r.log.NoCaller()
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		ln := ParseLine(sc.Text(), r.opts.DefaultLevel)
		lineLog.Log(ln.Level, ln.Message, ln.fields()...)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func (r *Relay) reloadLoop(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			r.applyConfig(cfg)
		}
	}
}

// applyConfig swaps in a published config. Storage changes need a restart.
func (r *Relay) applyConfig(cfg *config.Config) {
	r.notifyState(StateReloading)
	defer r.notifyState(StateReady)

	r.mu.Lock()
	old := r.cfg
	r.mu.Unlock()

	changed, attrs := config.SummarizeChange(old, cfg)
	if len(changed) == 0 {
		return
	}

	n, err := r.buildNotifier(cfg)
	if err != nil {
		r.log.Error("config reload failed; keeping previous notifier", logx.Err(err))
		return
	}
	logCfg, err := cfg.LogConfig()
	if err != nil {
		r.log.Error("config reload failed", logx.Err(err))
		return
	}

	r.mu.Lock()
	r.cfg = cfg
	r.notifier = n
	r.mu.Unlock()

	r.logSvc.Apply(logCfg)
	r.logSvc.SetSender(n)
	r.hb.SetSender(n)
	if err := r.hb.Apply(heartbeatConfig(cfg)); err != nil {
		r.log.Warn("heartbeat config rejected", logx.Err(err))
	}
	for _, c := range changed {
		if c == "storage" {
			r.log.Warn("storage config changed; restart to apply")
		}
	}
	r.log.Info("config reloaded", append([]logx.Field{logx.Any("changed", changed)}, attrs...)...)
}

func (r *Relay) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn("storage close failed", logx.Err(err))
		}
		r.store = nil
	}
	if r.logSvc != nil {
		_ = r.logSvc.Close()
	}
}

// SendOnce posts a single message using the config at path. to and topic
// override the configured destination when non-empty.
func SendOnce(ctx context.Context, path, to, topic, msg string, opts ...zulip.Option) error {
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Parse()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if to != "" {
		cfg.Zulip.Destination = to
	}
	if topic != "" {
		cfg.Zulip.Topic = topic
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	nc, err := cfg.NotifierConfig()
	if err != nil {
		return err
	}
	n, err := zulip.New(nc, opts...)
	if err != nil {
		return err
	}
	return n.Send(ctx, zulip.Record{Formatted: msg})
}

// RecentDeliveries reads up to limit entries of the delivery journal
// configured at path, newest first.
func RecentDeliveries(ctx context.Context, path string, limit int) ([]storage.Delivery, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	stCfg, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(stCfg, logx.Nop())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st == nil {
		return nil, storage.ErrDisabled
	}
	defer st.Close()
	return st.Deliveries(ctx, limit)
}
