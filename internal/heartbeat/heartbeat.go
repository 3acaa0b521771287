// Package heartbeat posts a fixed message to Zulip on a schedule.
package heartbeat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"zulipnotify/internal/zulip"
	logx "zulipnotify/pkg/logx"
)

const sendTimeout = 30 * time.Second

// Sender delivers the heartbeat. *zulip.Notifier implements it.
type Sender interface {
	Send(ctx context.Context, rec zulip.Record) error
}

type Config struct {
	Enabled  bool
	Schedule string
	Message  string
}

// Service runs at most one cron entry. Apply swaps it at runtime.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	sender Sender
	cfg    Config
	spec   ParsedSpec

	ctx   context.Context
	c     *cron.Cron
	sent  uint64
	fails uint64
}

func New(log logx.Logger, sender Sender) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log.With(logx.String("comp", "heartbeat")), sender: sender}
}

// Apply validates cfg and, when running, reschedules.
func (s *Service) Apply(cfg Config) error {
	var spec ParsedSpec
	if cfg.Enabled {
		var err error
		spec, err = ParseSchedule(cfg.Schedule)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.spec = spec
	if s.ctx != nil {
		s.restartLocked()
	}
	return nil
}

func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Start begins triggering. Stop (or ctx) ends it.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx = ctx
	s.restartLocked()
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !s.cfg.Enabled || s.spec.Schedule == nil {
		return
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	ctx := s.ctx
	s.c.Schedule(s.spec.Schedule, cron.FuncJob(func() { _ = s.Beat(ctx) }))
	s.c.Start()
	s.log.Info("heartbeat scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("kind", s.spec.Source))
}

// Beat sends one heartbeat now.
func (s *Service) Beat(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sender := s.sender
	msg := strings.TrimSpace(s.cfg.Message)
	s.mu.Unlock()
	if sender == nil {
		return nil
	}
	if msg == "" {
		msg = "heartbeat"
	}

	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	err := sender.Send(cctx, zulip.Record{Formatted: msg})

	s.mu.Lock()
	if err != nil {
		s.fails++
	} else {
		s.sent++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("heartbeat send failed", logx.Err(err))
		return err
	}
	s.log.Debug("heartbeat sent")
	return nil
}

// Counts returns how many beats were sent and how many failed.
func (s *Service) Counts() (sent, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.fails
}
