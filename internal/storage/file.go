package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "zulipnotify/pkg/logx"
)

// fileStore keeps both tables as JSON Lines next to cfg.Path:
//
//	<prefix>.deliveries.jsonl  one Delivery per line, capped at keep lines
//	<prefix>.dedup.jsonl       one dedupRow per line, last row per key wins
//
// Both files are append-only between rewrites. A rewrite replaces the file
// atomically with only the live lines.
type fileStore struct {
	log  logx.Logger
	keep int

	mu         sync.Mutex
	deliveries *jsonlFile
	dedupLog   *jsonlFile
	dedup      map[string]int64 // key -> until, unix milli
}

type dedupRow struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	s := &fileStore{log: log, keep: cfg.keep(), dedup: map[string]int64{}}

	var err error
	if s.deliveries, err = openJSONL(prefix + ".deliveries.jsonl"); err != nil {
		return nil, err
	}
	if s.dedupLog, err = openJSONL(prefix + ".dedup.jsonl"); err != nil {
		_ = s.deliveries.close()
		return nil, err
	}

	_ = s.dedupLog.each(func(line []byte) {
		var r dedupRow
		if json.Unmarshal(line, &r) == nil && r.Key != "" {
			s.dedup[r.Key] = r.Until
		}
	})
	// Start from a compact log and a journal within the cap.
	if err := s.rewriteDedupLocked(); err != nil {
		log.Debug("dedup rewrite on open failed", logx.Err(err))
	}
	if err := s.trimDeliveriesLocked(); err != nil {
		log.Debug("delivery trim on open failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupLog != nil && s.dedupLog.lines > len(s.dedup) {
		if err := s.rewriteDedupLocked(); err != nil {
			s.log.Debug("dedup rewrite on close failed", logx.Err(err))
		}
	}
	var errs []error
	for _, f := range []*jsonlFile{s.deliveries, s.dedupLog} {
		if f != nil {
			errs = append(errs, f.close())
		}
	}
	s.deliveries, s.dedupLog = nil, nil
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(_ context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrDisabled
	}
	if err := s.deliveries.append(d); err != nil {
		return err
	}
	// Let the file grow by half the cap before paying for a rewrite.
	if s.deliveries.lines > s.keep+s.keep/2 {
		if err := s.trimDeliveriesLocked(); err != nil {
			s.log.Debug("delivery trim failed", logx.Err(err))
		}
	}
	return nil
}

// Deliveries returns the most recent journal entries, newest first.
func (s *fileStore) Deliveries(_ context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = defaultDeliveryLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return nil, ErrDisabled
	}
	tail, err := s.deliveries.tail(limit)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		var d Delivery
		if err := json.Unmarshal(tail[i], &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupLog == nil {
		return ErrDisabled
	}
	s.dedup[key] = ms
	if err := s.dedupLog.append(dedupRow{Key: key, Until: ms}); err != nil {
		return err
	}
	// Rewrite once overwritten or expired rows dominate the log.
	if s.dedupLog.lines > 2*len(s.dedup)+64 {
		if err := s.rewriteDedupLocked(); err != nil {
			s.log.Debug("dedup rewrite failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) rewriteDedupLocked() error {
	now := time.Now().UnixMilli()
	lines := make([][]byte, 0, len(s.dedup))
	for k, until := range s.dedup {
		if until < now {
			delete(s.dedup, k)
			continue
		}
		b, err := json.Marshal(dedupRow{Key: k, Until: until})
		if err != nil {
			return err
		}
		lines = append(lines, b)
	}
	return s.dedupLog.rewrite(lines)
}

func (s *fileStore) trimDeliveriesLocked() error {
	if s.deliveries.lines <= s.keep {
		return nil
	}
	tail, err := s.deliveries.tail(s.keep)
	if err != nil {
		return err
	}
	return s.deliveries.rewrite(tail)
}

// jsonlFile is an append handle on a JSON Lines file that tracks its line
// count.
type jsonlFile struct {
	path  string
	f     *os.File
	lines int
}

func openJSONL(path string) (*jsonlFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	j := &jsonlFile{path: path, f: f}
	if err := j.each(func([]byte) { j.lines++ }); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *jsonlFile) append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		return err
	}
	j.lines++
	return nil
}

// each calls fn for every non-empty line. fn must not keep the slice.
func (j *jsonlFile) each(fn func(line []byte)) error {
	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			fn(line)
		}
	}
	return sc.Err()
}

// tail returns copies of the last n lines, oldest first.
func (j *jsonlFile) tail(n int) ([][]byte, error) {
	ring := make([][]byte, 0, n)
	err := j.each(func(line []byte) {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, bytes.Clone(line))
	})
	return ring, err
}

// rewrite atomically replaces the file with lines and reopens it for append.
func (j *jsonlFile) rewrite(lines [][]byte) error {
	tmp := j.path + ".tmp"
	body := bytes.Join(lines, []byte{'\n'})
	if len(lines) > 0 {
		body = append(body, '\n')
	}
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = j.f.Close()
	j.f = f
	j.lines = len(lines)
	return nil
}

func (j *jsonlFile) close() error { return j.f.Close() }
