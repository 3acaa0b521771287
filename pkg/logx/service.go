package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // stores zerolog.Logger

	file *os.File
	// console is swapped in tests.
	console io.Writer

	zulip *zulipHandler

	writeErrs atomic.Uint64
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger.
//
// sender and store may be nil; the Zulip handler stays inert until a sender
// is attached with SetSender.
func New(cfg Config, sender Sender, store Store) (*Service, Logger) {
	return newService(cfg, sender, store, Stdout())
}

func newService(cfg Config, sender Sender, store Store, console io.Writer) (*Service, Logger) {
	setGlobals()

	s := &Service{
		cfg:     cfg,
		console: console,
		zulip:   newZulipHandler(sender, store),
	}
	zerolog.ErrorHandler = s.onWriteError

	// Safe bootstrap root.
	boot := zerolog.New(newConsoleWriter(console)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(boot)

	// Apply immediately.
	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	v := s.root.Load()
	if v == nil {
		return zerolog.Nop()
	}
	zl, ok := v.(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender swaps the Zulip transport, e.g. after a config reload.
func (s *Service) SetSender(sender Sender) { s.zulip.setSender(sender) }

// Stats returns a snapshot of the Zulip handler counters.
func (s *Service) Stats() ZulipStats {
	st := s.zulip.stats()
	st.WriteErrors = s.writeErrs.Load()
	return st
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime.
// It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.zulip.apply(cfg.Zulip)

	// Close previous file (if any).
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)

	rest := make([]io.Writer, 0, 2)
	if cfg.Console {
		rest = append(rest, newConsoleWriter(s.console))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./zulipnotify.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			rest = append(rest, zerolog.SyncWriter(f))
		}
	}

	var zh *zulipHandler
	if cfg.Zulip.Enabled {
		zh = s.zulip
	}
	if zh == nil && len(rest) == 0 {
		rest = append(rest, newConsoleWriter(s.console))
	}

	cw := &chainWriter{zulip: zh}
	if len(rest) > 0 {
		cw.rest = zerolog.MultiLevelWriter(rest...)
	}
	zl := zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	// Store as current root.
	s.root.Store(zl)
}

// onWriteError is zerolog's ErrorHandler: the framework-level path where
// sink failures such as a zulip.TransportError end up.
func (s *Service) onWriteError(err error) {
	s.writeErrs.Add(1)
	fmt.Fprintf(Stderr(), "logx: write failed: %v\n", err)
}

// chainWriter runs the Zulip handler before the remaining sinks and honors
// its bubble setting.
type chainWriter struct {
	zulip *zulipHandler
	rest  zerolog.LevelWriter
}

func (c *chainWriter) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.NoLevel, p)
}

func (c *chainWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var firstErr error
	if c.zulip != nil && c.zulip.handles(level) {
		if err := c.zulip.handle(level, p); err != nil {
			firstErr = err
		}
		if !c.zulip.bubbles() {
			if firstErr != nil {
				return 0, firstErr
			}
			return len(p), nil
		}
	}
	if c.rest != nil {
		if _, err := c.rest.WriteLevel(level, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}
	return len(p), nil
}
