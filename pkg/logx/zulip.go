package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"zulipnotify/internal/zulip"
)

// maxMessageBytes stays below Zulip's 10000 byte message limit.
const maxMessageBytes = 9000

// Sender delivers one rendered record. *zulip.Notifier implements it.
type Sender interface {
	Send(ctx context.Context, rec zulip.Record) error
}

// Store persists dedup windows and the delivery journal. It may be nil.
type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	AppendDelivery(ctx context.Context, d Delivery) error
}

// Delivery is one attempt of the Zulip handler to send a record.
type Delivery struct {
	At     time.Time `json:"at"`
	Target string    `json:"target,omitempty"`
	Level  string    `json:"level"`
	Bytes  int       `json:"bytes"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}

// ZulipStats are best-effort counters, not a synchronization primitive.
type ZulipStats struct {
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rate_limited"`
	Deduped     uint64 `json:"deduped"`
	WriteErrors uint64 `json:"write_errors"`
}

type zulipHandler struct {
	mu       sync.Mutex
	sender   Sender
	store    Store
	minLevel zerolog.Level
	bubble   bool
	limiter  *rate.Limiter

	dedupWindow time.Duration
	dedupMax    int

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	sent    atomic.Uint64
	failed  atomic.Uint64
	limited atomic.Uint64
	deduped atomic.Uint64
}

func newZulipHandler(sender Sender, store Store) *zulipHandler {
	return &zulipHandler{
		sender:   sender,
		store:    store,
		minLevel: LevelCritical,
		bubble:   true,
		dedup:    map[string]time.Time{},
	}
}

func (h *zulipHandler) apply(cfg ZulipConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minLevel = parseLevel(cfg.MinLevel, LevelCritical)
	h.bubble = cfg.Bubble
	h.limiter = nil
	if cfg.RatePerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	h.dedupWindow = max(cfg.DedupWindow, 0)
	h.dedupMax = cfg.DedupMaxEntries
	if h.dedupMax <= 0 {
		h.dedupMax = 2000
	}
}

func (h *zulipHandler) setSender(sender Sender) {
	h.mu.Lock()
	h.sender = sender
	h.mu.Unlock()
}

// handles mirrors a framework handler's level check. Only handled records
// are subject to the bubble setting.
func (h *zulipHandler) handles(level zerolog.Level) bool {
	if level == zerolog.NoLevel || level == zerolog.Disabled {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sender != nil && level >= h.minLevel
}

func (h *zulipHandler) bubbles() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bubble
}

func (h *zulipHandler) handle(level zerolog.Level, p []byte) error {
	h.mu.Lock()
	sender := h.sender
	store := h.store
	lim := h.limiter
	window := h.dedupWindow
	dedupMax := h.dedupMax
	h.mu.Unlock()

	if sender == nil {
		return nil
	}
	text := formatRecord(level.String(), p)
	if text == "" {
		return nil
	}

	if window > 0 && !h.dedupAllow(dedupKey(text), window, dedupMax, store) {
		h.deduped.Add(1)
		return nil
	}
	if lim != nil && !lim.Allow() {
		h.limited.Add(1)
		return nil
	}

	start := time.Now()
	err := sender.Send(context.Background(), zulip.Record{Formatted: text})
	if err != nil {
		h.failed.Add(1)
	} else {
		h.sent.Add(1)
	}

	if store != nil {
		d := Delivery{
			At:     start,
			Level:  level.String(),
			Bytes:  len(text),
			TookMS: time.Since(start).Milliseconds(),
		}
		if st, ok := sender.(fmt.Stringer); ok {
			d.Target = st.String()
		}
		if err != nil {
			d.Error = err.Error()
		}
		cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = store.AppendDelivery(cctx, d)
		cancel()
	}
	return err
}

func (h *zulipHandler) stats() ZulipStats {
	return ZulipStats{
		Sent:        h.sent.Load(),
		Failed:      h.failed.Load(),
		RateLimited: h.limited.Load(),
		Deduped:     h.deduped.Load(),
	}
}

func dedupKey(text string) string {
	hs := fnv.New64a()
	_, _ = hs.Write([]byte(text))
	return fmt.Sprintf("%x", hs.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, opens its
// window. Check and set happen under one lock, so of two concurrent
// identical records only one is allowed.
func (h *zulipHandler) dedupAllow(key string, window time.Duration, maxEntries int, st Store) bool {
	now := time.Now()

	h.dmu.Lock()
	if until, ok := h.dedup[key]; ok && now.Before(until) {
		h.dmu.Unlock()
		return false
	}
	// A window opened before a restart lives only in the store.
	if st != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			h.dedup[key] = until
			h.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	h.dedup[key] = until
	h.evictLocked(now, maxEntries)
	h.dmu.Unlock()

	if st != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = st.PutDedup(cctx, key, until)
		cancel()
	}
	return true
}

// evictLocked drops expired windows, then the earliest-expiring ones until
// at most maxEntries remain. h.dmu must be held.
func (h *zulipHandler) evictLocked(now time.Time, maxEntries int) {
	for k, u := range h.dedup {
		if !now.Before(u) {
			delete(h.dedup, k)
		}
	}
	for len(h.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range h.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(h.dedup, minKey)
	}
}

// FormatRecord renders a zerolog JSON line as chat text:
//
//	[LEVEL] message
//	- key=value
//
// Keys are sorted; time is dropped. Non-JSON input is sent trimmed.
func FormatRecord(p []byte) string { return formatRecord("", p) }

// formatRecord prefers the level the event was written at over the JSON
// "level" key, which a caller field may have duplicated.
func formatRecord(lvl string, p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxMessageBytes)
	}

	if lvl == "" {
		lvl, _ = m[zerolog.LevelFieldName].(string)
	}
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(v, 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 600))
	}

	return truncate(strings.TrimSpace(b.String()), maxMessageBytes)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return strings.ToValidUTF8(s[:maxN], "")
	}
	return strings.ToValidUTF8(s[:maxN-3], "") + "..."
}
